package upstream

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	relayerrors "llmrelay-go/internal/errors"
	"llmrelay-go/internal/monitoring/tracing"
)

// GeminiClient talks to the public generative-language API with an API key.
type GeminiClient struct {
	endpoint string
	cli      *http.Client
}

func NewGeminiClient(endpoint string, cli *http.Client) *GeminiClient {
	if cli == nil {
		cli = NewHTTPClient("")
	}
	return &GeminiClient{endpoint: strings.TrimRight(endpoint, "/"), cli: cli}
}

// Generate relays a native v1beta call. The path is the vendor-form method
// path (e.g. "models/gemini-2.5-pro:streamGenerateContent"); extra query
// parameters from the client are preserved and the key is appended.
func (c *GeminiClient) Generate(ctx context.Context, apiKey, path, rawQuery string, body []byte) (*http.Response, error) {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		q = url.Values{}
	}
	q.Set("key", apiKey)
	target := c.endpoint + "/v1beta/" + strings.TrimPrefix(path, "/") + "?" + q.Encode()
	return c.post(ctx, "Gemini.Generate", target, body, nil)
}

// ChatCompletions relays an OpenAI-schema call to the compat surface.
func (c *GeminiClient) ChatCompletions(ctx context.Context, apiKey string, body []byte) (*http.Response, error) {
	target := c.endpoint + "/v1beta/openai/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	return c.post(ctx, "Gemini.ChatCompletions", target, body, headers)
}

func (c *GeminiClient) post(ctx context.Context, op, target string, body []byte, headers map[string]string) (*http.Response, error) {
	spanCtx, span := tracing.StartSpan(ctx, "upstream/gemini", op,
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("http.url", redactKeyParam(target)),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(spanCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return nil, wrapNetErr("build gemini request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.cli.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, wrapNetErr("send gemini request", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return CheckStatus(resp, relayerrors.UpstreamGemini)
}

// redactKeyParam keeps API keys out of span attributes.
func redactKeyParam(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	if q.Has("key") {
		q.Set("key", "xxxxx")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// StreamMethod maps a method path between its streaming and unary forms.
func StreamMethod(path string, stream bool) string {
	if stream {
		return strings.Replace(path, ":generateContent", ":streamGenerateContent", 1)
	}
	return strings.Replace(path, ":streamGenerateContent", ":generateContent", 1)
}
