package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"llmrelay-go/internal/credential"
	relayerrors "llmrelay-go/internal/errors"
)

const (
	// WebClientID is the public OAuth client the web console uses.
	WebClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	webRedirectURI = "https://console.anthropic.com/oauth/code/callback"
	webScope       = "user:profile user:inference"
)

// WebFlow runs the cookie-backed authorization-code flow against the web
// API: organization lookup, code grant, code exchange, and token refresh.
type WebFlow struct {
	endpoint   string
	clientID   string
	httpClient *http.Client
	now        func() time.Time
}

// WebFlowOption customizes WebFlow creation.
type WebFlowOption func(*WebFlow)

func NewWebFlow(endpoint string, opts ...WebFlowOption) *WebFlow {
	f := &WebFlow{
		endpoint:   strings.TrimRight(endpoint, "/"),
		clientID:   WebClientID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// WithWebHTTPClient overrides the HTTP client used for outbound calls.
func WithWebHTTPClient(client *http.Client) WebFlowOption {
	return func(f *WebFlow) {
		if client != nil {
			f.httpClient = client
		}
	}
}

// WithWebNowFunc overrides the clock used for expiry math (testing).
func WithWebNowFunc(now func() time.Time) WebFlowOption {
	return func(f *WebFlow) {
		if now != nil {
			f.now = now
		}
	}
}

// WithWebClientID overrides the OAuth client id.
func WithWebClientID(id string) WebFlowOption {
	return func(f *WebFlow) {
		if id != "" {
			f.clientID = id
		}
	}
}

// Organization looks up the cookie's organization uuid. The first org whose
// capabilities include chat wins; a cookie without one is unusable.
func (f *WebFlow) Organization(ctx context.Context, cookie string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"/api/organizations", nil)
	if err != nil {
		return "", fmt.Errorf("build organization request: %w", err)
	}
	req.Header.Set("Cookie", cookie)

	body, err := f.do(req)
	if err != nil {
		return "", err
	}

	var uuid string
	gjson.ParseBytes(body).ForEach(func(_, org gjson.Result) bool {
		caps := org.Get("capabilities")
		chat := false
		caps.ForEach(func(_, c gjson.Result) bool {
			if c.String() == "chat" {
				chat = true
				return false
			}
			return true
		})
		if chat {
			uuid = org.Get("uuid").String()
			return false
		}
		return true
	})
	if uuid == "" {
		return "", fmt.Errorf("%w: no chat-capable organization for cookie", relayerrors.ErrInvalidAuth)
	}
	return uuid, nil
}

// Authorize requests an authorization code for the organization using PKCE.
// It returns the code plus the verifier needed to redeem it.
func (f *WebFlow) Authorize(ctx context.Context, cookie, orgUUID string) (code, verifier string, err error) {
	verifier, err = newCodeVerifier()
	if err != nil {
		return "", "", fmt.Errorf("generate code verifier: %w", err)
	}

	payload := map[string]any{
		"response_type":         "code",
		"client_id":             f.clientID,
		"organization_uuid":     orgUUID,
		"redirect_uri":          webRedirectURI,
		"scope":                 webScope,
		"code_challenge":        codeChallenge(verifier),
		"code_challenge_method": "S256",
	}
	req, err := f.jsonRequest(ctx, f.endpoint+"/v1/oauth/"+orgUUID+"/authorize", payload)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Cookie", cookie)

	body, err := f.do(req)
	if err != nil {
		return "", "", err
	}

	redirect := gjson.GetBytes(body, "redirect_uri").String()
	u, err := url.Parse(redirect)
	if err != nil {
		return "", "", fmt.Errorf("parse authorize redirect: %w", err)
	}
	code = u.Query().Get("code")
	if code == "" {
		return "", "", &relayerrors.UnexpectedNoneError{Msg: "authorize response carried no code"}
	}
	return code, verifier, nil
}

// Exchange redeems an authorization code for an access/refresh token pair.
func (f *WebFlow) Exchange(ctx context.Context, orgUUID, code, verifier string) (*credential.TokenInfo, error) {
	payload := map[string]any{
		"grant_type":    "authorization_code",
		"code":          code,
		"code_verifier": verifier,
		"client_id":     f.clientID,
		"redirect_uri":  webRedirectURI,
	}
	req, err := f.jsonRequest(ctx, f.endpoint+"/v1/oauth/token", payload)
	if err != nil {
		return nil, err
	}
	tok, err := f.tokenCall(req)
	if err != nil {
		return nil, err
	}
	tok.OrgUUID = orgUUID
	log.Infof("code exchange complete for org %s", orgUUID)
	return tok, nil
}

// Refresh trades the refresh token for a fresh pair. Both tokens are
// replaced and expiry is recomputed from expires_in.
func (f *WebFlow) Refresh(ctx context.Context, token *credential.TokenInfo) (*credential.TokenInfo, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token stored", relayerrors.ErrInvalidAuth)
	}
	payload := map[string]any{
		"grant_type":    "refresh_token",
		"refresh_token": token.RefreshToken,
		"client_id":     f.clientID,
	}
	req, err := f.jsonRequest(ctx, f.endpoint+"/v1/oauth/token", payload)
	if err != nil {
		return nil, err
	}
	fresh, err := f.tokenCall(req)
	if err != nil {
		return nil, err
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}
	fresh.OrgUUID = token.OrgUUID
	return fresh, nil
}

func (f *WebFlow) tokenCall(req *http.Request) (*credential.TokenInfo, error) {
	body, err := f.do(req)
	if err != nil {
		return nil, err
	}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	tok, err := credential.NewTokenInfo(resp.AccessToken, resp.RefreshToken, resp.ExpiresIn, "", f.now())
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (f *WebFlow) jsonRequest(ctx context.Context, url string, payload map[string]any) (*http.Request, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do executes the call and maps failures: network problems are transient,
// 4xx means the grant is bad, 5xx is transient upstream trouble.
func (f *WebFlow) do(req *http.Request) ([]byte, error) {
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &relayerrors.TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &relayerrors.TransientError{Err: err}
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: token endpoint returned %d: %s",
			relayerrors.ErrInvalidAuth, resp.StatusCode, truncateBody(body))
	default:
		return nil, &relayerrors.TransientError{
			Err: fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncateBody(body)),
		}
	}
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

func newCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
