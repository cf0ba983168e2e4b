package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"llmrelay-go/internal/monitoring"
	"llmrelay-go/internal/orchestrator"
	"llmrelay-go/internal/streaming"
	"llmrelay-go/internal/upstream"
)

// Messages serves the Anthropic-style native endpoint over the web-cookie
// pool. Client stop sequences ride through to the upstream untouched; on
// streams the rewriter enforces them a second time so the cut point is exact.
func (h *Handlers) Messages(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	model := gjson.GetBytes(body, "model").String()
	c.Set("model", model)

	if isTestMessage(body) {
		c.JSON(http.StatusOK, cannedClaudeReply(model))
		return
	}

	stops := stopSequences(body)
	stream := gjson.GetBytes(body, "stream").Bool()

	result, err := h.Claude.TryChat(c.Request.Context(), body)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := result.Resp

	if stream && upstream.IsSSE(resp) {
		defer resp.Body.Close()
		sseHeaders(c)
		c.Writer.Flush()

		out := streaming.NewWriter(c.Writer)
		rewriter := streaming.NewStopRewriter(stops, out)
		var tally streaming.UsageTally
		sc := streaming.NewScanner(resp.Body)
		for {
			ev, err := sc.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				log.WithError(err).Warn("upstream stream ended abnormally")
				break
			}
			tally.Observe(ev)
			if err := rewriter.Forward(ev); err != nil {
				return
			}
			if rewriter.Done() {
				monitoring.StopSequenceMatchesTotal.Inc()
				break
			}
		}
		h.recordClaudeUsage(c, result, tally)
		return
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	var tally streaming.UsageTally
	tally.FromResponse(string(raw))
	h.recordClaudeUsage(c, result, tally)
	c.Data(resp.StatusCode, "application/json", raw)
}

func (h *Handlers) recordClaudeUsage(c *gin.Context, result *orchestrator.ChatResult, tally streaming.UsageTally) {
	if tally.InputTokens == 0 && tally.OutputTokens == 0 {
		return
	}
	h.Claude.RecordUsage(c.Request.Context(), result.Cookie, result.Family, tally.InputTokens, tally.OutputTokens)
}

// stopSequences pulls the client's stop list out of a messages body.
func stopSequences(body []byte) []string {
	var out []string
	for _, s := range gjson.GetBytes(body, "stop_sequences").Array() {
		if v := s.String(); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// isTestMessage recognizes the connectivity handshake: a non-streaming
// request whose only message is "Hi". It never reaches a credential.
func isTestMessage(body []byte) bool {
	if gjson.GetBytes(body, "stream").Bool() {
		return false
	}
	msgs := gjson.GetBytes(body, "messages").Array()
	if len(msgs) != 1 || msgs[0].Get("role").String() != "user" {
		return false
	}
	content := msgs[0].Get("content")
	if content.Type == gjson.String {
		return content.String() == "Hi"
	}
	parts := content.Array()
	return len(parts) == 1 && parts[0].Get("type").String() == "text" &&
		parts[0].Get("text").String() == "Hi"
}

func cannedClaudeReply(model string) json.RawMessage {
	reply := map[string]interface{}{
		"id":   "msg_relay_handshake",
		"type": "message",
		"role": "assistant",
		"content": []interface{}{
			map[string]interface{}{"type": "text", "text": "Hi! The relay is up and ready."},
		},
		"model":       model,
		"stop_reason": "end_turn",
		"usage":       map[string]interface{}{"input_tokens": 0, "output_tokens": 0},
	}
	data, _ := json.Marshal(reply)
	return data
}
