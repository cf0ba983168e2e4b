package streaming

import (
	"context"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultSentinel is the completion marker the model is asked to append so
// truncation can be told apart from a finished answer.
const DefaultSentinel = "[done]"

// DefaultMaxAttempts bounds how many continuation rounds one request gets.
const DefaultMaxAttempts = 3

// AttemptFunc issues one upstream round. The first call carries attempt 1;
// later calls mean the previous response ended without the sentinel and the
// caller should have appended a continuation turn to the conversation.
// The bool reports whether the body is an SSE stream.
type AttemptFunc func(ctx context.Context, attempt int) (io.ReadCloser, bool, error)

// Engine drives the anti-truncation loop over a streamed response: forward
// frames, strip the sentinel out of visible text, and re-ask until the
// sentinel shows up or attempts run out. Sentinels split across two upstream
// chunks are not detected; each chunk is scanned on its own.
type Engine struct {
	Sentinel    string
	MaxAttempts int
}

func NewEngine(sentinel string, maxAttempts int) *Engine {
	if sentinel == "" {
		sentinel = DefaultSentinel
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Engine{Sentinel: sentinel, MaxAttempts: maxAttempts}
}

// Run executes up to MaxAttempts rounds, writing sanitized frames to out.
// It returns how many rounds ran. A non-SSE body ends the loop on that
// round: the payload is wrapped in a single synthetic frame as-is.
func (e *Engine) Run(ctx context.Context, out *Writer, next AttemptFunc) (int, error) {
	attempt := 0
	for attempt < e.MaxAttempts {
		attempt++
		body, sse, err := next(ctx, attempt)
		if err != nil {
			return attempt, err
		}

		finished, err := e.relayAttempt(out, body, sse)
		body.Close()
		if err != nil {
			return attempt, err
		}
		if finished {
			return attempt, nil
		}
		log.Warnf("response ended without completion marker, continuing (attempt %d/%d)", attempt, e.MaxAttempts)
	}
	return attempt, nil
}

func (e *Engine) relayAttempt(out *Writer, body io.Reader, sse bool) (bool, error) {
	if !sse {
		raw, err := io.ReadAll(body)
		if err != nil {
			return false, fmt.Errorf("read upstream body: %w", err)
		}
		// Upstream downgraded to a plain JSON response; wrap it in one
		// frame and stop the loop here.
		frame, _ := e.scrub(string(raw))
		return true, out.Send(Event{Data: frame})
	}

	sc := NewScanner(body)
	finished := false
	for {
		ev, err := sc.Next()
		if err == io.EOF {
			return finished, nil
		}
		if err != nil {
			return finished, fmt.Errorf("read upstream stream: %w", err)
		}
		frame, seen := e.scrub(ev.Data)
		if seen {
			finished = true
		}
		if err := out.Send(Event{Name: ev.Name, Data: frame}); err != nil {
			return finished, err
		}
	}
}

// scrub removes every sentinel occurrence from the frame's visible text and
// reports whether any was present.
func (e *Engine) scrub(data string) (string, bool) {
	seen := false
	parts := gjson.Get(data, "candidates.0.content.parts")
	if !parts.IsArray() {
		// Not a Gemini candidate frame (chat-completions deltas land here);
		// strip the marker bytes wherever they sit.
		if strings.Contains(data, e.Sentinel) {
			return strings.ReplaceAll(data, e.Sentinel, ""), true
		}
		return data, false
	}
	parts.ForEach(func(i, part gjson.Result) bool {
		text := part.Get("text")
		if !text.Exists() || !strings.Contains(text.String(), e.Sentinel) {
			return true
		}
		seen = true
		cleaned := strings.ReplaceAll(text.String(), e.Sentinel, "")
		path := fmt.Sprintf("candidates.0.content.parts.%d.text", i.Int())
		data, _ = sjson.Set(data, path, cleaned)
		return true
	})
	return data, seen
}
