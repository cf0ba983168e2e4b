package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	relayerrors "llmrelay-go/internal/errors"
	"llmrelay-go/internal/monitoring/tracing"
)

// VertexClient calls the Vertex publisher-model API with service-account
// minted bearer tokens.
type VertexClient struct {
	endpoint string
	cli      *http.Client
}

func NewVertexClient(endpoint string, cli *http.Client) *VertexClient {
	if cli == nil {
		cli = NewHTTPClient("")
	}
	return &VertexClient{endpoint: strings.TrimRight(endpoint, "/"), cli: cli}
}

// GenerateContent dispatches one generation call against the project's
// global publisher endpoint.
func (c *VertexClient) GenerateContent(ctx context.Context, bearer, projectID, model string, body []byte, stream bool) (*http.Response, error) {
	method := "generateContent"
	if stream {
		method = "streamGenerateContent?alt=sse"
	}
	target := fmt.Sprintf("%s/v1/projects/%s/locations/global/publishers/google/models/%s:%s",
		c.endpoint, projectID, model, method)

	spanCtx, span := tracing.StartSpan(ctx, "upstream/vertex", "Vertex.GenerateContent",
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("gen_ai.request.model", model),
			attribute.String("cloud.project.id", projectID),
			attribute.Bool("gen_ai.request.stream", stream),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(spanCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return nil, wrapNetErr("build vertex request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.cli.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, wrapNetErr("send vertex request", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return CheckStatus(resp, relayerrors.UpstreamGemini)
}
