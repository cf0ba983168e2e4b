package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"llmrelay-go/internal/streaming"
	"llmrelay-go/internal/translator"
	"llmrelay-go/internal/upstream"
)

// ChatCompletions serves the OpenAI-compat endpoint over the web-cookie
// pool: the request is rewritten to the messages schema, dispatched, and the
// reply translated back.
func (h *Handlers) ChatCompletions(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	model := gjson.GetBytes(body, "model").String()
	c.Set("model", model)

	if isOpenAITestMessage(body) {
		c.JSON(http.StatusOK, cannedOpenAIReply(model))
		return
	}

	stream := gjson.GetBytes(body, "stream").Bool()
	claudeBody := translator.OpenAIToClaudeRequest(body)

	result, err := h.Claude.TryChat(c.Request.Context(), claudeBody)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := result.Resp
	defer resp.Body.Close()

	if stream && upstream.IsSSE(resp) {
		sseHeaders(c)
		c.Writer.Flush()
		var tally streaming.UsageTally
		out := streaming.NewWriter(c.Writer)
		if err := translator.ClaudeToOpenAIStream(model, resp.Body, out, tally.Observe); err != nil {
			return
		}
		h.recordClaudeUsage(c, result, tally)
		return
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	var tally streaming.UsageTally
	tally.FromResponse(string(raw))
	h.recordClaudeUsage(c, result, tally)

	translated, err := translator.ClaudeToOpenAIResponse(model, raw)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(resp.StatusCode, "application/json", translated)
}

func isOpenAITestMessage(body []byte) bool {
	// Same handshake shape, OpenAI spelling.
	return isTestMessage(body)
}

func cannedOpenAIReply(model string) map[string]interface{} {
	return map[string]interface{}{
		"id":      "chatcmpl-relay-handshake",
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": "Hi! The relay is up and ready.",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		},
	}
}
