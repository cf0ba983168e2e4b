package translator

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"

	"llmrelay-go/internal/streaming"
)

// ClaudeToOpenAIResponse rewrites a non-streaming Anthropic messages reply
// into an OpenAI chat completion.
func ClaudeToOpenAIResponse(model string, body []byte) ([]byte, error) {
	var text string
	for _, block := range gjson.GetBytes(body, "content").Array() {
		if block.Get("type").String() == "text" {
			text += block.Get("text").String()
		}
	}

	out := map[string]interface{}{
		"id":      gjson.GetBytes(body, "id").String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": finishReason(gjson.GetBytes(body, "stop_reason").String()),
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     gjson.GetBytes(body, "usage.input_tokens").Int(),
			"completion_tokens": gjson.GetBytes(body, "usage.output_tokens").Int(),
			"total_tokens": gjson.GetBytes(body, "usage.input_tokens").Int() +
				gjson.GetBytes(body, "usage.output_tokens").Int(),
		},
	}
	return json.Marshal(out)
}

func finishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "stop_sequence":
		return "stop"
	default:
		return "stop"
	}
}

// ClaudeToOpenAIStream relays an Anthropic SSE stream as OpenAI chat chunks,
// ending with the [DONE] marker. A non-nil observe sees every upstream frame
// before translation.
func ClaudeToOpenAIStream(model string, upstream io.Reader, out *streaming.Writer, observe func(streaming.Event)) error {
	id := fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()
	sc := streaming.NewScanner(upstream)

	chunk := func(delta map[string]interface{}, finish interface{}) streaming.Event {
		payload := map[string]interface{}{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []interface{}{
				map[string]interface{}{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
		data, _ := json.Marshal(payload)
		return streaming.Event{Data: string(data)}
	}

	if err := out.Send(chunk(map[string]interface{}{"role": "assistant"}, nil)); err != nil {
		return err
	}

	finish := "stop"
	for {
		ev, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if observe != nil {
			observe(ev)
		}
		switch ev.Name {
		case "content_block_delta":
			if text := gjson.Get(ev.Data, "delta.text").String(); text != "" {
				if err := out.Send(chunk(map[string]interface{}{"content": text}, nil)); err != nil {
					return err
				}
			}
		case "message_delta":
			finish = finishReason(gjson.Get(ev.Data, "delta.stop_reason").String())
		}
	}

	if err := out.Send(chunk(map[string]interface{}{}, finish)); err != nil {
		return err
	}
	return out.Send(streaming.Event{Data: "[DONE]"})
}
