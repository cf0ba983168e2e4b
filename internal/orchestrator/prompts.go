package orchestrator

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// InjectSystemText appends an instruction to the request's system prompt,
// creating the block when absent. Both field spellings the v1beta surface
// accepts are honored.
func InjectSystemText(body []byte, text string) []byte {
	field := "systemInstruction"
	if gjson.GetBytes(body, "system_instruction").Exists() {
		field = "system_instruction"
	}
	out, err := sjson.SetBytes(body, field+".parts.-1", map[string]string{"text": text})
	if err != nil {
		return body
	}
	return out
}

// AppendUserTurn appends a user message to the conversation, used by the
// anti-truncation loop to ask the model to continue.
func AppendUserTurn(body []byte, text string) []byte {
	turn := map[string]any{
		"role":  "user",
		"parts": []map[string]string{{"text": text}},
	}
	out, err := sjson.SetBytes(body, "contents.-1", turn)
	if err != nil {
		return body
	}
	return out
}

// InjectSystemMessage prepends a system message to a chat-completions body.
func InjectSystemMessage(body []byte, text string) []byte {
	sys := map[string]any{"role": "system", "content": text}
	existing, _ := gjson.GetBytes(body, "messages").Value().([]interface{})
	out, err := sjson.SetBytes(body, "messages", append([]any{sys}, existing...))
	if err != nil {
		return body
	}
	return out
}

// AppendUserMessage appends a user message to a chat-completions body.
func AppendUserMessage(body []byte, text string) []byte {
	msg := map[string]any{"role": "user", "content": text}
	out, err := sjson.SetBytes(body, "messages.-1", msg)
	if err != nil {
		return body
	}
	return out
}
