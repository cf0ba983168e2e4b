package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"llmrelay-go/internal/credential"
	relayerrors "llmrelay-go/internal/errors"
)

// refreshSkew refreshes CLI tokens this long before their actual expiry so a
// dispatch never races the deadline.
const refreshSkew = 5 * time.Minute

// DefaultCliTokenURI is used when refresh metadata omits its own endpoint.
const DefaultCliTokenURI = "https://oauth2.googleapis.com/token"

// CliRefresher keeps CLI bearer tokens fresh ahead of each dispatch.
type CliRefresher struct {
	httpClient *http.Client
	now        func() time.Time
}

// CliOption customizes CliRefresher creation.
type CliOption func(*CliRefresher)

func NewCliRefresher(opts ...CliOption) *CliRefresher {
	r := &CliRefresher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// WithCliHTTPClient overrides the HTTP client used for token calls.
func WithCliHTTPClient(client *http.Client) CliOption {
	return func(r *CliRefresher) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// WithCliNowFunc overrides the clock (testing).
func WithCliNowFunc(now func() time.Time) CliOption {
	return func(r *CliRefresher) {
		if now != nil {
			r.now = now
		}
	}
}

// NeedsRefresh reports whether the token is inside the refresh window. A
// token without expiry metadata is assumed fresh.
func (r *CliRefresher) NeedsRefresh(tok credential.CliToken) bool {
	if tok.ExpiresAt == nil {
		return false
	}
	return r.now().Add(refreshSkew).Unix() >= *tok.ExpiresAt
}

// EnsureFresh refreshes the token in place when it is close to expiry and
// refresh metadata exists. It reports whether the record changed.
func (r *CliRefresher) EnsureFresh(ctx context.Context, tok *credential.CliToken) (bool, error) {
	if !r.NeedsRefresh(*tok) {
		return false, nil
	}
	if tok.Refresh == nil || tok.Refresh.RefreshToken == "" {
		return false, fmt.Errorf("%w: token %s expired with no refresh metadata",
			relayerrors.ErrInvalidAuth, tok.Ellipse())
	}

	endpoint := tok.Refresh.TokenURI
	if endpoint == "" {
		endpoint = DefaultCliTokenURI
	}
	form := url.Values{
		"client_id":     {tok.Refresh.ClientID},
		"client_secret": {tok.Refresh.ClientSecret},
		"refresh_token": {tok.Refresh.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false, &relayerrors.TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return false, fmt.Errorf("%w: refresh returned %d: %s",
			relayerrors.ErrInvalidAuth, resp.StatusCode, truncateBody(body))
	default:
		return false, &relayerrors.TransientError{
			Err: fmt.Errorf("refresh returned %d: %s", resp.StatusCode, truncateBody(body)),
		}
	}

	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return false, fmt.Errorf("decode refresh response: %w", err)
	}
	if tr.AccessToken == "" {
		return false, &relayerrors.UnexpectedNoneError{Msg: "refresh response carried no access token"}
	}

	tok.Token = tr.AccessToken
	if tr.RefreshToken != "" {
		tok.Refresh.RefreshToken = tr.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		exp := r.now().Unix() + tr.ExpiresIn
		tok.ExpiresAt = &exp
	}
	log.Infof("refreshed cli token %s", tok.Ellipse())
	return true, nil
}
