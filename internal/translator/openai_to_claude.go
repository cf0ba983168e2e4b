// Package translator converts between the OpenAI chat-completions schema and
// the Anthropic messages schema. The conversion is structural only: prose
// payloads pass through untouched.
package translator

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

const defaultMaxTokens = 4096

// OpenAIToClaudeRequest rewrites an OpenAI chat request body into an
// Anthropic messages body. System messages collect into the top-level system
// field; assistant/user turns map one to one.
func OpenAIToClaudeRequest(rawJSON []byte) []byte {
	out := map[string]interface{}{
		"model":      gjson.GetBytes(rawJSON, "model").String(),
		"max_tokens": int64(defaultMaxTokens),
	}
	if v := gjson.GetBytes(rawJSON, "max_tokens"); v.Exists() {
		out["max_tokens"] = v.Int()
	} else if v := gjson.GetBytes(rawJSON, "max_completion_tokens"); v.Exists() {
		out["max_tokens"] = v.Int()
	}
	if v := gjson.GetBytes(rawJSON, "temperature"); v.Exists() {
		out["temperature"] = v.Float()
	}
	if v := gjson.GetBytes(rawJSON, "top_p"); v.Exists() {
		out["top_p"] = v.Float()
	}
	if v := gjson.GetBytes(rawJSON, "stream"); v.Exists() {
		out["stream"] = v.Bool()
	}
	if stops := collectStops(gjson.GetBytes(rawJSON, "stop")); len(stops) > 0 {
		out["stop_sequences"] = stops
	}

	var system string
	messages := make([]interface{}, 0)
	for _, m := range gjson.GetBytes(rawJSON, "messages").Array() {
		role := m.Get("role").String()
		text := contentText(m.Get("content"))
		switch role {
		case "system", "developer":
			if system != "" {
				system += "\n"
			}
			system += text
		case "assistant":
			messages = append(messages, turn("assistant", text))
		default:
			messages = append(messages, turn("user", text))
		}
	}
	if system != "" {
		out["system"] = system
	}
	out["messages"] = messages

	data, err := json.Marshal(out)
	if err != nil {
		return rawJSON
	}
	return data
}

func turn(role, text string) map[string]interface{} {
	return map[string]interface{}{
		"role": role,
		"content": []interface{}{
			map[string]interface{}{"type": "text", "text": text},
		},
	}
}

// contentText flattens string or multi-part content into plain text.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var text string
	for _, part := range content.Array() {
		if part.Get("type").String() == "text" {
			text += part.Get("text").String()
		}
	}
	return text
}

func collectStops(stop gjson.Result) []string {
	switch {
	case stop.Type == gjson.String:
		return []string{stop.String()}
	case stop.IsArray():
		var out []string
		for _, s := range stop.Array() {
			if v := s.String(); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return nil
}
