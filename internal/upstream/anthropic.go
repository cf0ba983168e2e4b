package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	relayerrors "llmrelay-go/internal/errors"
	"llmrelay-go/internal/monitoring/tracing"
)

// APIVersion is pinned on every messages call.
const APIVersion = "2023-06-01"

// AnthropicClient dispatches to an Anthropic-style messages API.
type AnthropicClient struct {
	endpoint string
	cli      *http.Client
}

func NewAnthropicClient(endpoint string, cli *http.Client) *AnthropicClient {
	if cli == nil {
		cli = NewHTTPClient("")
	}
	return &AnthropicClient{endpoint: strings.TrimRight(endpoint, "/"), cli: cli}
}

// Messages posts the request body with the given beta header. On 2xx the
// open response is returned for the caller to stream or materialize.
func (c *AnthropicClient) Messages(ctx context.Context, accessToken, beta string, body []byte) (*http.Response, error) {
	url := c.endpoint + "/v1/messages"
	spanCtx, span := tracing.StartSpan(ctx, "upstream/anthropic", "Anthropic.Messages",
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("http.url", url),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(spanCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return nil, wrapNetErr("build messages request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("anthropic-version", APIVersion)
	if beta != "" {
		req.Header.Set("anthropic-beta", beta)
	}

	resp, err := c.cli.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, wrapNetErr("send messages request", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return CheckStatus(resp, relayerrors.UpstreamClaude)
}

// UsageBoundaries reads the account's rolling-window reset timestamps. A nil
// timestamp means the upstream reports no such window for the account.
func (c *AnthropicClient) UsageBoundaries(ctx context.Context, accessToken string) (session, weekly *int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/oauth/usage", nil)
	if err != nil {
		return nil, nil, wrapNetErr("build usage request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("anthropic-version", APIVersion)

	resp, err := c.cli.Do(req)
	if err != nil {
		return nil, nil, wrapNetErr("send usage request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, &relayerrors.UpstreamError{
			Family: relayerrors.UpstreamClaude,
			Status: resp.StatusCode,
			Body:   string(body),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, wrapNetErr("read usage response", err)
	}
	return parseBoundary(raw, "five_hour.resets_at"), parseBoundary(raw, "seven_day.resets_at"), nil
}

// parseBoundary accepts either a unix number or an RFC3339 string.
func parseBoundary(raw []byte, path string) *int64 {
	v := gjson.GetBytes(raw, path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	if v.Type == gjson.Number {
		ts := v.Int()
		return &ts
	}
	if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
		ts := t.Unix()
		return &ts
	}
	return nil
}
