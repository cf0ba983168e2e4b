package orchestrator

import (
	"context"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"llmrelay-go/internal/credential"
	relayerrors "llmrelay-go/internal/errors"
	"llmrelay-go/internal/oauth"
	"llmrelay-go/internal/upstream"
)

// Gemini drives the three Google-side pools: API keys against the public
// endpoint, CLI bearer tokens against Code Assist, and service accounts
// against Vertex.
type Gemini struct {
	keys       *credential.Pool[credential.APIKey]
	cliTokens  *credential.Pool[credential.CliToken]
	vertex     *credential.Pool[credential.ServiceAccount]
	client     *upstream.GeminiClient
	codeAssist *upstream.CodeAssistClient
	vertexAPI  *upstream.VertexClient
	refresher  *oauth.CliRefresher
	tokens     *oauth.VertexTokens
	maxRetries int
}

// GeminiDeps bundles the collaborators; nil pools disable their flows.
type GeminiDeps struct {
	Keys       *credential.Pool[credential.APIKey]
	CliTokens  *credential.Pool[credential.CliToken]
	Vertex     *credential.Pool[credential.ServiceAccount]
	Client     *upstream.GeminiClient
	CodeAssist *upstream.CodeAssistClient
	VertexAPI  *upstream.VertexClient
	Refresher  *oauth.CliRefresher
	Tokens     *oauth.VertexTokens
	MaxRetries int
}

func NewGemini(deps GeminiDeps) *Gemini {
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = DefaultMaxRetries
	}
	if deps.Refresher == nil {
		deps.Refresher = oauth.NewCliRefresher()
	}
	if deps.Tokens == nil {
		deps.Tokens = oauth.NewVertexTokens()
	}
	return &Gemini{
		keys:       deps.Keys,
		cliTokens:  deps.CliTokens,
		vertex:     deps.Vertex,
		client:     deps.Client,
		codeAssist: deps.CodeAssist,
		vertexAPI:  deps.VertexAPI,
		refresher:  deps.Refresher,
		tokens:     deps.Tokens,
		maxRetries: deps.MaxRetries,
	}
}

// TryGenerate relays a native v1beta call over the key pool.
func (o *Gemini) TryGenerate(ctx context.Context, path, rawQuery string, body []byte, stream bool) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		key, err := o.keys.Request(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := o.client.Generate(ctx, key.Value, path, rawQuery, body)
		if err == nil {
			if !stream {
				if checkErr := checkNonEmpty(resp); checkErr != nil {
					resp.Body.Close()
					lastErr = checkErr
					log.Warnf("[%s] empty response, retrying", redact(key.Value))
					continue
				}
			}
			return resp, nil
		}
		lastErr = err

		if !o.classifyKeyErr(ctx, key, err) {
			return nil, err
		}
		log.WithError(err).Warnf("[%s] attempt failed", redact(key.Value))
	}
	if lastErr != nil && errors.Is(lastErr, relayerrors.ErrEmptyResponse) {
		return nil, lastErr
	}
	return nil, relayerrors.ErrTooManyRetries
}

// ChatCompletions relays an OpenAI-schema call over the key pool.
func (o *Gemini) ChatCompletions(ctx context.Context, body []byte) (*http.Response, error) {
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		key, err := o.keys.Request(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := o.client.ChatCompletions(ctx, key.Value, body)
		if err == nil {
			return resp, nil
		}
		if !o.classifyKeyErr(ctx, key, err) {
			return nil, err
		}
		log.WithError(err).Warnf("[%s] attempt failed", redact(key.Value))
	}
	return nil, relayerrors.ErrTooManyRetries
}

// classifyKeyErr handles one key failure; it reports whether to retry.
func (o *Gemini) classifyKeyErr(ctx context.Context, key credential.APIKey, err error) bool {
	var ue *relayerrors.UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.Status == http.StatusTooManyRequests:
			if rerr := o.keys.Return(ctx, key, credential.TooManyRequests(0)); rerr != nil {
				log.WithError(rerr).Warn("key cooldown failed")
			}
			return true
		case ue.Status == http.StatusForbidden:
			// Accounting runs through the actor; the threshold decides
			// whether the key retires.
			if rerr := o.keys.ReportForbidden(ctx, key.Value); rerr != nil {
				log.WithError(rerr).Warn("forbidden report failed")
			}
			return true
		case ue.Status == http.StatusUnauthorized:
			if rerr := o.keys.Return(ctx, key, &credential.Reason{Kind: credential.ReasonInvalidAuth}); rerr != nil {
				log.WithError(rerr).Warn("key retire failed")
			}
			return true
		case ue.Status >= 500:
			return true
		}
		return false
	}
	var te *relayerrors.TransientError
	return errors.As(err, &te)
}

// TryCli relays one generation over the CLI-token pool, refreshing the
// bearer ahead of dispatch when it is close to expiry.
func (o *Gemini) TryCli(ctx context.Context, model string, request []byte, stream bool) (*http.Response, error) {
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		tok, err := o.cliTokens.Request(ctx)
		if err != nil {
			return nil, err
		}

		staleKey := tok.Token
		changed, err := o.refresher.EnsureFresh(ctx, &tok)
		if err != nil {
			if errors.Is(err, relayerrors.ErrInvalidAuth) {
				log.WithError(err).Warnf("[%s] refresh rejected", tok.Ellipse())
				o.returnCliToken(ctx, tok, &credential.Reason{Kind: credential.ReasonInvalidAuth, Message: err.Error()})
				continue
			}
			log.WithError(err).Warnf("[%s] refresh failed", tok.Ellipse())
			continue
		}
		if changed {
			// A refresh rotates the bearer value, which is also the pool
			// key, so the stale entry has to be rekeyed rather than updated.
			if uerr := o.cliTokens.Replace(ctx, staleKey, tok); uerr != nil {
				log.WithError(uerr).Warn("cli token replace failed")
			}
		}

		project := ""
		if tok.Refresh != nil {
			project = tok.Refresh.ProjectID
		}
		resp, err := o.codeAssist.GenerateContent(ctx, tok.Token, model, project, request, stream)
		if err == nil {
			return resp, nil
		}
		if !o.classifyCliErr(ctx, tok, err) {
			return nil, err
		}
		log.WithError(err).Warnf("[%s] attempt failed", tok.Ellipse())
	}
	return nil, relayerrors.ErrTooManyRetries
}

func (o *Gemini) classifyCliErr(ctx context.Context, tok credential.CliToken, err error) bool {
	var ue *relayerrors.UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.Status == http.StatusTooManyRequests:
			o.returnCliToken(ctx, tok, credential.TooManyRequests(0))
			return true
		case ue.Status == http.StatusForbidden:
			if rerr := o.cliTokens.ReportForbidden(ctx, tok.Token); rerr != nil {
				log.WithError(rerr).Warn("forbidden report failed")
			}
			return true
		case ue.Status == http.StatusUnauthorized:
			o.returnCliToken(ctx, tok, &credential.Reason{Kind: credential.ReasonInvalidAuth})
			return true
		case ue.Status >= 500:
			return true
		}
		return false
	}
	var te *relayerrors.TransientError
	return errors.As(err, &te)
}

func (o *Gemini) returnCliToken(ctx context.Context, tok credential.CliToken, reason *credential.Reason) {
	if err := o.cliTokens.Return(ctx, tok, reason); err != nil {
		log.WithError(err).Warn("cli token return failed")
	}
}

// TryVertex relays one generation over the service-account pool.
func (o *Gemini) TryVertex(ctx context.Context, model string, body []byte, stream bool) (*http.Response, error) {
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		sa, err := o.vertex.Request(ctx)
		if err != nil {
			return nil, err
		}
		if sa.ProjectID() == "" {
			o.returnVertex(ctx, sa, &credential.Reason{Kind: credential.ReasonOther, Message: "key document has no project_id"})
			continue
		}

		bearer, err := o.tokens.AccessToken(ctx, sa)
		if err != nil {
			if errors.Is(err, relayerrors.ErrInvalidAuth) {
				o.tokens.Forget(sa.ID)
				o.returnVertex(ctx, sa, &credential.Reason{Kind: credential.ReasonInvalidAuth, Message: err.Error()})
				continue
			}
			log.WithError(err).Warnf("[%s] token mint failed", sa.ID)
			continue
		}

		resp, err := o.vertexAPI.GenerateContent(ctx, bearer, sa.ProjectID(), model, body, stream)
		if err == nil {
			return resp, nil
		}
		if !o.classifyVertexErr(ctx, sa, err) {
			return nil, err
		}
		log.WithError(err).Warnf("[%s] attempt failed", sa.ID)
	}
	return nil, relayerrors.ErrTooManyRetries
}

func (o *Gemini) classifyVertexErr(ctx context.Context, sa credential.ServiceAccount, err error) bool {
	var ue *relayerrors.UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.Status == http.StatusTooManyRequests:
			o.returnVertex(ctx, sa, credential.TooManyRequests(0))
			return true
		case ue.Status == http.StatusForbidden:
			if rerr := o.vertex.ReportForbidden(ctx, sa.ID); rerr != nil {
				log.WithError(rerr).Warn("forbidden report failed")
			}
			return true
		case ue.Status == http.StatusUnauthorized:
			o.tokens.Forget(sa.ID)
			o.returnVertex(ctx, sa, &credential.Reason{Kind: credential.ReasonInvalidAuth})
			return true
		case ue.Status >= 500:
			return true
		}
		return false
	}
	var te *relayerrors.TransientError
	return errors.As(err, &te)
}

func (o *Gemini) returnVertex(ctx context.Context, sa credential.ServiceAccount, reason *credential.Reason) {
	if err := o.vertex.Return(ctx, sa, reason); err != nil {
		log.WithError(err).Warn("service account return failed")
	}
}

// checkNonEmpty materializes a unary response far enough to reject answers
// with no usable candidates. The body is re-wrapped for the caller.
func checkNonEmpty(resp *http.Response) error {
	body, err := readAndRestore(resp)
	if err != nil {
		return relayerrors.Transient(err)
	}
	parts := gjson.GetBytes(body, "candidates.0.content.parts")
	if !parts.Exists() || len(parts.Array()) == 0 {
		return relayerrors.ErrEmptyResponse
	}
	return nil
}

func redact(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:10] + "..."
}
