package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	relayerrors "llmrelay-go/internal/errors"
	"llmrelay-go/internal/monitoring/tracing"
)

// CodeAssistClient talks to the Code Assist internal API with OAuth bearer
// tokens. Requests are wrapped in the {model, project, request} envelope the
// endpoint expects.
type CodeAssistClient struct {
	endpoint string
	cli      *http.Client
}

func NewCodeAssistClient(endpoint string, cli *http.Client) *CodeAssistClient {
	if cli == nil {
		cli = NewHTTPClient("")
	}
	return &CodeAssistClient{endpoint: strings.TrimRight(endpoint, "/"), cli: cli}
}

type codeAssistEnvelope struct {
	Model   string          `json:"model"`
	Project string          `json:"project,omitempty"`
	Request json.RawMessage `json:"request"`
}

// GenerateContent wraps and dispatches one generation call. Streaming calls
// go to :streamGenerateContent with alt=sse; unary calls to :generateContent.
func (c *CodeAssistClient) GenerateContent(ctx context.Context, bearer, model, project string, request []byte, stream bool) (*http.Response, error) {
	method := ":generateContent"
	if stream {
		method = ":streamGenerateContent?alt=sse"
	}
	target := c.endpoint + "/v1internal" + method

	spanCtx, span := tracing.StartSpan(ctx, "upstream/codeassist", "CodeAssist.GenerateContent",
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("http.url", target),
			attribute.String("gen_ai.request.model", model),
			attribute.Bool("gen_ai.request.stream", stream),
		))
	defer span.End()

	envelope, err := json.Marshal(codeAssistEnvelope{Model: model, Project: project, Request: request})
	if err != nil {
		span.RecordError(err)
		return nil, wrapNetErr("encode code assist envelope", err)
	}

	req, err := http.NewRequestWithContext(spanCtx, http.MethodPost, target, bytes.NewReader(envelope))
	if err != nil {
		span.RecordError(err)
		return nil, wrapNetErr("build code assist request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.cli.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, wrapNetErr("send code assist request", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return CheckStatus(resp, relayerrors.UpstreamGemini)
}
