package translator

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"llmrelay-go/internal/streaming"
)

func TestOpenAIToClaudeRequest(t *testing.T) {
	in := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 512,
		"temperature": 0.5,
		"stream": true,
		"stop": ["</end>", "STOP"],
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [{"type":"text","text":"hi "},{"type":"text","text":"there"}]},
			{"role": "user", "content": "bye"}
		]
	}`)

	out := OpenAIToClaudeRequest(in)

	assert.Equal(t, "claude-sonnet-4", gjson.GetBytes(out, "model").String())
	assert.EqualValues(t, 512, gjson.GetBytes(out, "max_tokens").Int())
	assert.Equal(t, "be brief", gjson.GetBytes(out, "system").String())
	assert.True(t, gjson.GetBytes(out, "stream").Bool())

	stops := gjson.GetBytes(out, "stop_sequences").Array()
	require.Len(t, stops, 2)
	assert.Equal(t, "</end>", stops[0].String())

	msgs := gjson.GetBytes(out, "messages").Array()
	require.Len(t, msgs, 3, "system turn folds into the top-level field")
	assert.Equal(t, "assistant", msgs[1].Get("role").String())
	assert.Equal(t, "hi there", msgs[1].Get("content.0.text").String())
}

func TestOpenAIToClaudeRequestDefaults(t *testing.T) {
	out := OpenAIToClaudeRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"q"}]}`))
	assert.EqualValues(t, defaultMaxTokens, gjson.GetBytes(out, "max_tokens").Int())
	assert.False(t, gjson.GetBytes(out, "system").Exists())
}

func TestClaudeToOpenAIResponse(t *testing.T) {
	body := []byte(`{
		"id": "msg_01",
		"content": [{"type":"text","text":"answer "},{"type":"text","text":"text"}],
		"stop_reason": "max_tokens",
		"usage": {"input_tokens": 10, "output_tokens": 20}
	}`)

	out, err := ClaudeToOpenAIResponse("claude-sonnet-4", body)
	require.NoError(t, err)

	assert.Equal(t, "chat.completion", gjson.GetBytes(out, "object").String())
	assert.Equal(t, "answer text", gjson.GetBytes(out, "choices.0.message.content").String())
	assert.Equal(t, "length", gjson.GetBytes(out, "choices.0.finish_reason").String())
	assert.EqualValues(t, 30, gjson.GetBytes(out, "usage.total_tokens").Int())
}

func TestClaudeToOpenAIStream(t *testing.T) {
	upstream := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start","message":{"id":"msg_01"}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
		"",
		"event: message_delta",
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		"",
		"event: message_stop",
		`data: {"type":"message_stop"}`,
		"",
	}, "\n")

	var buf bytes.Buffer
	var seen int
	err := ClaudeToOpenAIStream("claude-sonnet-4", strings.NewReader(upstream), streaming.NewWriter(&buf), func(streaming.Event) { seen++ })
	require.NoError(t, err)
	assert.Equal(t, 5, seen)

	sc := streaming.NewScanner(&buf)
	var contents []string
	var finish string
	done := false
	for {
		ev, err := sc.Next()
		if err != nil {
			break
		}
		if ev.Data == "[DONE]" {
			done = true
			break
		}
		if text := gjson.Get(ev.Data, "choices.0.delta.content").String(); text != "" {
			contents = append(contents, text)
		}
		if fr := gjson.Get(ev.Data, "choices.0.finish_reason").String(); fr != "" {
			finish = fr
		}
	}

	assert.Equal(t, []string{"hel", "lo"}, contents)
	assert.Equal(t, "stop", finish)
	assert.True(t, done)
}
