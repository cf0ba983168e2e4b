// Package orchestrator runs the per-request retry loop: lease a credential,
// make sure it can authenticate, dispatch upstream, classify the outcome,
// and either hand the response on or return the credential with a reason
// and try again.
package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"llmrelay-go/internal/credential"
	relayerrors "llmrelay-go/internal/errors"
	"llmrelay-go/internal/oauth"
	"llmrelay-go/internal/probe"
	"llmrelay-go/internal/upstream"
)

// DefaultMaxRetries yields max_retries+1 total attempts.
const DefaultMaxRetries = 3

// ChatResult is a successful dispatch: an open upstream response plus the
// credential context the caller needs to account usage afterwards.
type ChatResult struct {
	Resp        *http.Response
	Cookie      credential.Cookie
	AccessToken string
	BaseModel   string
	Family      credential.Family
}

// Claude drives Anthropic-style chat requests over the web-cookie pool.
type Claude struct {
	cookies    *credential.CookieActor
	web        *oauth.WebFlow
	client     *upstream.AnthropicClient
	maxRetries int
	now        func() time.Time
}

// ClaudeOption customizes the orchestrator.
type ClaudeOption func(*Claude)

// WithClaudeNowFunc overrides the clock (testing).
func WithClaudeNowFunc(now func() time.Time) ClaudeOption {
	return func(o *Claude) {
		if now != nil {
			o.now = now
		}
	}
}

// WithClaudeMaxRetries overrides the retry budget.
func WithClaudeMaxRetries(n int) ClaudeOption {
	return func(o *Claude) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

func NewClaude(cookies *credential.CookieActor, web *oauth.WebFlow, client *upstream.AnthropicClient, opts ...ClaudeOption) *Claude {
	o := &Claude{
		cookies:    cookies,
		web:        web,
		client:     client,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// TryChat runs the retry loop for one messages call. The body is the
// client's request, already validated; the model may carry a -1M marker.
func (o *Claude) TryChat(ctx context.Context, body []byte) (*ChatResult, error) {
	model := gjson.GetBytes(body, "model").String()
	baseModel, wants1M := probe.NormalizeModel(model)
	if wants1M {
		var err error
		body, err = sjson.SetBytes(body, "model", baseModel)
		if err != nil {
			return nil, relayerrors.BadRequest("rewrite model: " + err.Error())
		}
	}
	family := credential.FamilyOf(baseModel)

	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			log.Infof("retrying chat request, attempt %d", attempt)
		}

		cookie, err := o.cookies.Request(ctx)
		if err != nil {
			return nil, err
		}

		token, err := o.ensureAuth(ctx, &cookie)
		if err != nil {
			if reason := classifyAuthErr(err); reason != nil {
				log.WithError(err).Warnf("[%s] authentication failed", cookie.Ellipse())
				o.returnCookie(ctx, cookie, reason)
				continue
			}
			return nil, err
		}

		resp, err := o.dispatch(ctx, token, &cookie, baseModel, wants1M, body)
		if err == nil {
			o.returnCookie(ctx, cookie, nil)
			return &ChatResult{
				Resp:        resp,
				Cookie:      cookie,
				AccessToken: token,
				BaseModel:   baseModel,
				Family:      family,
			}, nil
		}

		reason, retry := classifyUpstreamErr(err)
		if !retry {
			return nil, err
		}
		log.WithError(err).Warnf("[%s] attempt failed", cookie.Ellipse())
		o.returnCookie(ctx, cookie, reason)
	}
	return nil, relayerrors.ErrTooManyRetries
}

// ensureAuth brings the cookie's token to Valid, running the code exchange
// or refresh as needed and persisting the outcome through the actor.
func (o *Claude) ensureAuth(ctx context.Context, cookie *credential.Cookie) (string, error) {
	switch oauth.Classify(cookie.Token, o.now()) {
	case oauth.TokenNone:
		log.Infof("[%s] no token yet, running code exchange", cookie.Ellipse())
		org, err := o.web.Organization(ctx, cookie.Value)
		if err != nil {
			return "", err
		}
		code, verifier, err := o.web.Authorize(ctx, cookie.Value, org)
		if err != nil {
			return "", err
		}
		tok, err := o.web.Exchange(ctx, org, code, verifier)
		if err != nil {
			return "", err
		}
		cookie.Token = tok
		o.updateCookie(ctx, *cookie)
	case oauth.TokenExpired:
		log.Infof("[%s] token expired, refreshing", cookie.Ellipse())
		fresh, err := o.web.Refresh(ctx, cookie.Token)
		if err != nil {
			return "", err
		}
		cookie.Token = fresh
		o.updateCookie(ctx, *cookie)
	}
	if cookie.Token == nil || cookie.Token.AccessToken == "" {
		return "", &relayerrors.UnexpectedNoneError{Msg: "no access token after auth"}
	}
	return cookie.Token.AccessToken, nil
}

// dispatch sends the request following the beta plan, learning the lane flag
// from probe outcomes.
func (o *Claude) dispatch(ctx context.Context, token string, cookie *credential.Cookie, baseModel string, wants1M bool, body []byte) (*http.Response, error) {
	plan := probe.Plan(baseModel, wants1M, cookie.PremiumWindow)

	resp, err := o.client.Messages(ctx, token, plan.Primary, body)
	if !plan.Probing {
		return resp, err
	}

	family := credential.FamilyOf(baseModel)
	if err == nil {
		o.learnLane(ctx, cookie, family, true)
		return resp, nil
	}
	var ue *relayerrors.UpstreamError
	if errors.As(err, &ue) && probe.IsDenied(ue.Status, upstreamMessage(ue)) {
		// Probe feedback, not a credential problem: learn and fall back
		// on the same lease.
		o.learnLane(ctx, cookie, family, false)
		return o.client.Messages(ctx, token, plan.Fallback, body)
	}
	return nil, err
}

func (o *Claude) learnLane(ctx context.Context, cookie *credential.Cookie, family credential.Family, supported bool) {
	state := credential.Disabled
	if supported {
		state = credential.Enabled
	}
	if cookie.PremiumWindow.Get(family) == state {
		return
	}
	cookie.PremiumWindow.Set(family, state)
	log.Infof("[%s] premium window %s for %s lane", cookie.Ellipse(), state, family)
	o.updateCookie(ctx, *cookie)
}

// RecordUsage folds observed token counts into the cookie's rolling windows
// and persists the result. Boundary refreshes go through the upstream usage
// endpoint with the cookie's own token.
func (o *Claude) RecordUsage(ctx context.Context, cookie credential.Cookie, family credential.Family, in, out int64) {
	token := ""
	if cookie.Token != nil {
		token = cookie.Token.AccessToken
	}
	var cachedSession, cachedWeekly *int64
	fetched := false
	fetch := func(which *(*int64)) credential.BoundaryFunc {
		return func() (*int64, error) {
			if !fetched {
				s, w, err := o.client.UsageBoundaries(ctx, token)
				if err != nil {
					return nil, err
				}
				cachedSession, cachedWeekly, fetched = s, w, true
			}
			return *which, nil
		}
	}
	cookie.AccumulateUsage(family, in, out, o.now(), fetch(&cachedSession), fetch(&cachedWeekly))
	o.updateCookie(ctx, cookie)
}

func (o *Claude) returnCookie(ctx context.Context, cookie credential.Cookie, reason *credential.Reason) {
	if err := o.cookies.Return(ctx, cookie, reason); err != nil {
		log.WithError(err).Warnf("[%s] return failed", cookie.Ellipse())
	}
}

func (o *Claude) updateCookie(ctx context.Context, cookie credential.Cookie) {
	if err := o.cookies.Update(ctx, cookie); err != nil {
		log.WithError(err).Warnf("[%s] update failed", cookie.Ellipse())
	}
}

// classifyAuthErr maps an auth failure to the reason the cookie is returned
// with, or nil when the error should propagate without a retry.
func classifyAuthErr(err error) *credential.Reason {
	if errors.Is(err, relayerrors.ErrInvalidAuth) {
		return &credential.Reason{Kind: credential.ReasonInvalidAuth, Message: err.Error()}
	}
	var te *relayerrors.TransientError
	if errors.As(err, &te) {
		return &credential.Reason{Kind: credential.ReasonOther, Message: err.Error()}
	}
	return nil
}

// classifyUpstreamErr decides whether a dispatch failure consumes an attempt
// and what it teaches about the credential.
func classifyUpstreamErr(err error) (*credential.Reason, bool) {
	var ue *relayerrors.UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.Status == http.StatusTooManyRequests:
			return credential.TooManyRequests(rateLimitReset(ue)), true
		case ue.Status == http.StatusUnauthorized:
			return &credential.Reason{Kind: credential.ReasonInvalidAuth, Message: upstreamMessage(ue)}, true
		case ue.Status == http.StatusForbidden:
			return &credential.Reason{Kind: credential.ReasonForbidden, Message: upstreamMessage(ue)}, true
		case ue.Status >= 500:
			return &credential.Reason{Kind: credential.ReasonOther, Message: upstreamMessage(ue)}, true
		}
		return nil, false
	}
	var te *relayerrors.TransientError
	if errors.As(err, &te) {
		return &credential.Reason{Kind: credential.ReasonOther, Message: err.Error()}, true
	}
	if errors.Is(err, relayerrors.ErrEmptyResponse) {
		return nil, true
	}
	return nil, false
}

func upstreamMessage(ue *relayerrors.UpstreamError) string {
	if msg := gjson.Get(ue.Body, "error.message").String(); msg != "" {
		return msg
	}
	return ue.Body
}

// rateLimitReset digs the reset timestamp out of a 429 body; zero lets the
// reason constructor apply its default cooldown.
func rateLimitReset(ue *relayerrors.UpstreamError) int64 {
	for _, path := range []string{"error.resets_at", "resets_at", "error.reset_at"} {
		if v := gjson.Get(ue.Body, path); v.Exists() && v.Type == gjson.Number {
			return v.Int()
		}
	}
	return 0
}
