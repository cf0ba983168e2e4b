package streaming

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScannerSplitsFrames(t *testing.T) {
	raw := "event: ping\ndata: {}\n\n: keep-alive\n\ndata: {\"a\":1}\n\n"
	sc := NewScanner(strings.NewReader(raw))

	ev, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, "ping", ev.Name)
	assert.Equal(t, "{}", ev.Data)

	ev, err = sc.Next()
	require.NoError(t, err)
	assert.Equal(t, "", ev.Name)
	assert.Equal(t, `{"a":1}`, ev.Data)

	_, err = sc.Next()
	assert.Equal(t, io.EOF, err)
}

func TestScannerJoinsMultiLineData(t *testing.T) {
	raw := "data: line1\ndata: line2\n\n"
	sc := NewScanner(strings.NewReader(raw))
	ev, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", ev.Data)
}

func TestScannerPartialFrameAtEOF(t *testing.T) {
	sc := NewScanner(strings.NewReader("data: tail"))
	ev, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, "tail", ev.Data)
	_, err = sc.Next()
	assert.Equal(t, io.EOF, err)
}

func TestWriterEncodesFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Send(Event{Name: "message_stop", Data: `{"type":"message_stop"}`}))
	assert.Equal(t, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n", buf.String())
}

func TestUsageTally(t *testing.T) {
	var u UsageTally
	u.Observe(Event{Name: "message_start", Data: `{"type":"message_start","message":{"usage":{"input_tokens":40,"output_tokens":2}}}`})
	u.Observe(Event{Name: "message_delta", Data: `{"type":"message_delta","usage":{"output_tokens":17}}`})
	u.Observe(Event{Name: "message_delta", Data: `{"type":"message_delta","usage":{"output_tokens":53}}`})

	assert.EqualValues(t, 40, u.InputTokens)
	assert.EqualValues(t, 53, u.OutputTokens)

	var n UsageTally
	n.FromResponse(`{"usage":{"input_tokens":7,"output_tokens":9}}`)
	assert.EqualValues(t, 7, n.InputTokens)
	assert.EqualValues(t, 9, n.OutputTokens)
}
