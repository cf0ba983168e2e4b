package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"llmrelay-go/internal/config"
	relayerrors "llmrelay-go/internal/errors"
	"llmrelay-go/internal/monitoring"
	"llmrelay-go/internal/orchestrator"
	"llmrelay-go/internal/streaming"
	"llmrelay-go/internal/upstream"
)

// GeminiNative proxies a v1beta call over the API-key pool. Streaming
// generate calls run under the anti-truncation engine when it is enabled.
func (h *Handlers) GeminiNative(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	body, err := readBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set("model", modelFromPath(path))

	stream := isStreamPath(path, c.Query("alt"))
	cfg := config.Snapshot()

	if stream && cfg.AntiTruncation.Enabled && strings.Contains(path, "GenerateContent") {
		h.antiTruncated(c, cfg.AntiTruncation, geminiRounds(body, cfg.AntiTruncation),
			func(ctx context.Context, round []byte) (*http.Response, error) {
				return h.Gemini.TryGenerate(ctx, path, c.Request.URL.RawQuery, round, true)
			})
		return
	}

	resp, err := h.Gemini.TryGenerate(c.Request.Context(), path, c.Request.URL.RawQuery, body, stream)
	if err != nil {
		writeError(c, err)
		return
	}
	if stream && upstream.IsSSE(resp) {
		defer resp.Body.Close()
		relayStream(c, resp.Body)
		return
	}
	relayResponse(c, resp)
}

// antiTruncated runs the continuation loop over any streaming dispatch.
// Headers go out only once the first round lands, so a dispatch failure on
// round one can still answer with the error envelope.
func (h *Handlers) antiTruncated(c *gin.Context, cfg config.AntiTruncationConfig, round func(attempt int) []byte, send func(ctx context.Context, body []byte) (*http.Response, error)) {
	engine := streaming.NewEngine(cfg.Sentinel, cfg.MaxAttempts)
	started := false
	next := func(ctx context.Context, attempt int) (io.ReadCloser, bool, error) {
		resp, err := send(ctx, round(attempt))
		if err != nil {
			return nil, false, err
		}
		if !started {
			started = true
			sseHeaders(c)
			c.Writer.Flush()
		}
		return resp.Body, upstream.IsSSE(resp), nil
	}

	attempts, err := engine.Run(c.Request.Context(), streaming.NewWriter(c.Writer), next)
	monitoring.AntiTruncationAttemptsTotal.WithLabelValues(c.FullPath()).Add(float64(attempts))
	if err != nil && !started {
		writeError(c, err)
	}
}

// geminiRounds builds the per-attempt body for a native-shape call: every
// round carries the completion prompt in the system instruction, and rounds
// after the first append a continuation turn.
func geminiRounds(body []byte, cfg config.AntiTruncationConfig) func(int) []byte {
	return func(attempt int) []byte {
		round := orchestrator.InjectSystemText(body, cfg.CompletionPrompt)
		if attempt > 1 {
			round = orchestrator.AppendUserTurn(round, cfg.ContinuationPrompt)
		}
		return round
	}
}

// openaiRounds is the chat-completions counterpart of geminiRounds.
func openaiRounds(body []byte, cfg config.AntiTruncationConfig) func(int) []byte {
	return func(attempt int) []byte {
		round := orchestrator.InjectSystemMessage(body, cfg.CompletionPrompt)
		if attempt > 1 {
			round = orchestrator.AppendUserMessage(round, cfg.ContinuationPrompt)
		}
		return round
	}
}

// GeminiChatCompletions proxies the OpenAI-compat schema over the key pool;
// the upstream speaks it natively, so no translation happens here.
func (h *Handlers) GeminiChatCompletions(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set("model", gjson.GetBytes(body, "model").String())

	cfg := config.Snapshot()
	if gjson.GetBytes(body, "stream").Bool() && cfg.AntiTruncation.Enabled {
		h.antiTruncated(c, cfg.AntiTruncation, openaiRounds(body, cfg.AntiTruncation),
			func(ctx context.Context, round []byte) (*http.Response, error) {
				return h.Gemini.ChatCompletions(ctx, round)
			})
		return
	}

	resp, err := h.Gemini.ChatCompletions(c.Request.Context(), body)
	if err != nil {
		writeError(c, err)
		return
	}
	if upstream.IsSSE(resp) {
		defer resp.Body.Close()
		relayStream(c, resp.Body)
		return
	}
	relayResponse(c, resp)
}

// GeminiCli proxies a generate call through the CLI bearer pool to the Code
// Assist endpoint.
func (h *Handlers) GeminiCli(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	model := modelFromPath(path)
	if model == "" {
		writeError(c, relayerrors.BadRequest("path carries no model"))
		return
	}
	body, err := readBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set("model", model)

	stream := isStreamPath(path, c.Query("alt"))
	cfg := config.Snapshot()

	if stream && cfg.AntiTruncation.Enabled && strings.Contains(path, "GenerateContent") {
		h.antiTruncated(c, cfg.AntiTruncation, geminiRounds(body, cfg.AntiTruncation),
			func(ctx context.Context, round []byte) (*http.Response, error) {
				return h.Gemini.TryCli(ctx, model, round, true)
			})
		return
	}

	resp, err := h.Gemini.TryCli(c.Request.Context(), model, body, stream)
	if err != nil {
		writeError(c, err)
		return
	}
	if stream && upstream.IsSSE(resp) {
		defer resp.Body.Close()
		relayStream(c, resp.Body)
		return
	}
	relayResponse(c, resp)
}

// GeminiVertex proxies a generate call through the service-account pool.
func (h *Handlers) GeminiVertex(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	model := modelFromPath(path)
	if pinned := config.Snapshot().Gemini.VertexModelID; pinned != "" {
		model = pinned
	}
	if model == "" {
		writeError(c, relayerrors.BadRequest("path carries no model"))
		return
	}
	body, err := readBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set("model", model)

	stream := isStreamPath(path, c.Query("alt"))
	resp, err := h.Gemini.TryVertex(c.Request.Context(), model, body, stream)
	if err != nil {
		writeError(c, err)
		return
	}
	if stream && upstream.IsSSE(resp) {
		defer resp.Body.Close()
		relayStream(c, resp.Body)
		return
	}
	relayResponse(c, resp)
}

// modelFromPath extracts the model name from "models/<name>:<method>".
func modelFromPath(path string) string {
	idx := strings.Index(path, "models/")
	if idx < 0 {
		return ""
	}
	rest := path[idx+len("models/"):]
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		return rest[:colon]
	}
	return rest
}

func isStreamPath(path, alt string) bool {
	return strings.Contains(path, ":streamGenerateContent") || alt == "sse"
}
