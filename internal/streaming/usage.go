package streaming

import "github.com/tidwall/gjson"

// UsageTally accumulates token counts observed on an Anthropic-style SSE
// stream. Input tokens arrive once on message_start; output tokens are a
// running total on message_delta, so the last observed value wins.
type UsageTally struct {
	InputTokens  int64
	OutputTokens int64
}

// Observe folds one frame into the tally. Non-usage frames are ignored.
func (u *UsageTally) Observe(ev Event) {
	switch ev.Name {
	case "message_start":
		if v := gjson.Get(ev.Data, "message.usage.input_tokens"); v.Exists() {
			u.InputTokens = v.Int()
		}
		if v := gjson.Get(ev.Data, "message.usage.output_tokens"); v.Exists() {
			u.OutputTokens = v.Int()
		}
	case "message_delta":
		if v := gjson.Get(ev.Data, "usage.output_tokens"); v.Exists() {
			u.OutputTokens = v.Int()
		}
		if v := gjson.Get(ev.Data, "usage.input_tokens"); v.Exists() && v.Int() > 0 {
			u.InputTokens = v.Int()
		}
	}
}

// FromResponse extracts usage from a non-streaming Anthropic response body.
func (u *UsageTally) FromResponse(body string) {
	if v := gjson.Get(body, "usage.input_tokens"); v.Exists() {
		u.InputTokens = v.Int()
	}
	if v := gjson.Get(body, "usage.output_tokens"); v.Exists() {
		u.OutputTokens = v.Int()
	}
}
