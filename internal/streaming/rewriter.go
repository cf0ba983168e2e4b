package streaming

import (
	"fmt"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StopRewriter forwards an Anthropic-style SSE stream while scanning text
// deltas for client stop sequences the upstream was never told about. When
// one fires, the stream is cut short with a synthetic, well-formed tail so
// the client sees a normal stop_sequence termination.
type StopRewriter struct {
	matcher   *StopMatcher
	out       *Writer
	index     int64
	lastDelta string
	done      bool
}

// NewStopRewriter returns a rewriter over the given stop sequences. With an
// empty list the rewriter degrades to a pure relay.
func NewStopRewriter(sequences []string, out *Writer) *StopRewriter {
	return &StopRewriter{matcher: NewStopMatcher(sequences), out: out}
}

// Done reports whether a stop sequence fired and the stream was closed.
func (rw *StopRewriter) Done() bool { return rw.done }

// Relay consumes frames from the scanner until the upstream ends or a stop
// sequence fires.
func (rw *StopRewriter) Relay(sc *Scanner) error {
	for {
		ev, err := sc.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := rw.Forward(ev); err != nil {
			return err
		}
		if rw.done {
			return nil
		}
	}
}

// Forward inspects a single frame. Text deltas pass through the matcher;
// everything else is relayed untouched. After a match further frames are
// swallowed.
func (rw *StopRewriter) Forward(ev Event) error {
	if rw.done {
		return nil
	}
	if ev.Name != "content_block_delta" || gjson.Get(ev.Data, "delta.type").String() != "text_delta" {
		// The block is over: whatever was held back as a possible
		// sentinel prefix turned out to be plain text.
		if ev.Name == "content_block_stop" {
			if err := rw.flushHeld(); err != nil {
				return err
			}
		}
		return rw.out.Send(ev)
	}

	rw.index = gjson.Get(ev.Data, "index").Int()
	rw.lastDelta = ev.Data
	text := gjson.Get(ev.Data, "delta.text").String()
	safe, matched, ok := rw.matcher.Process(text)
	if !ok {
		if safe == "" {
			return nil // fully buffered, nothing releasable yet
		}
		data, err := sjson.Set(ev.Data, "delta.text", safe)
		if err != nil {
			return fmt.Errorf("rewrite delta: %w", err)
		}
		return rw.out.Send(Event{Name: ev.Name, Data: data})
	}

	if safe != "" {
		data, err := sjson.Set(ev.Data, "delta.text", safe)
		if err != nil {
			return fmt.Errorf("rewrite delta: %w", err)
		}
		if err := rw.out.Send(Event{Name: ev.Name, Data: data}); err != nil {
			return err
		}
	}
	rw.done = true
	return rw.finish(matched)
}

func (rw *StopRewriter) flushHeld() error {
	held := rw.matcher.Flush()
	if held == "" || rw.lastDelta == "" {
		return nil
	}
	data, err := sjson.Set(rw.lastDelta, "delta.text", held)
	if err != nil {
		return fmt.Errorf("rewrite delta: %w", err)
	}
	return rw.out.Send(Event{Name: "content_block_delta", Data: data})
}

// finish emits the synthetic termination burst for a matched sequence.
func (rw *StopRewriter) finish(sequence string) error {
	stop, _ := sjson.Set(`{"type":"content_block_stop"}`, "index", rw.index)
	if err := rw.out.Send(Event{Name: "content_block_stop", Data: stop}); err != nil {
		return err
	}
	delta := `{"type":"message_delta","delta":{"stop_reason":"stop_sequence","stop_sequence":""},"usage":{"input_tokens":0,"output_tokens":0}}`
	delta, _ = sjson.Set(delta, "delta.stop_sequence", sequence)
	if err := rw.out.Send(Event{Name: "message_delta", Data: delta}); err != nil {
		return err
	}
	return rw.out.Send(Event{Name: "message_stop", Data: `{"type":"message_stop"}`})
}
