package streaming

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func geminiFrame(text string) string {
	return `data: {"candidates":[{"content":{"parts":[{"text":"` + text + `"}]}}]}` + "\n\n"
}

func attemptsFrom(bodies []string) (AttemptFunc, *int) {
	calls := 0
	fn := func(ctx context.Context, attempt int) (io.ReadCloser, bool, error) {
		calls++
		return io.NopCloser(strings.NewReader(bodies[attempt-1])), true, nil
	}
	return fn, &calls
}

func TestEngineSentinelInFirstAttempt(t *testing.T) {
	var buf bytes.Buffer
	e := NewEngine("[done]", 3)

	next, calls := attemptsFrom([]string{
		geminiFrame("partial answer ") + geminiFrame("and the rest.[done]"),
	})
	attempts, err := e.Run(context.Background(), NewWriter(&buf), next)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, *calls)

	events := collectFrames(t, buf.String())
	require.Len(t, events, 2)
	// The marker never reaches the client.
	assert.Equal(t, "and the rest.",
		gjson.Get(events[1].Data, "candidates.0.content.parts.0.text").String())
	assert.NotContains(t, buf.String(), "[done]")
}

func TestEngineRetriesUntilSentinel(t *testing.T) {
	var buf bytes.Buffer
	e := NewEngine("[done]", 3)

	next, calls := attemptsFrom([]string{
		geminiFrame("first half"),
		geminiFrame("second half[done]"),
	})
	attempts, err := e.Run(context.Background(), NewWriter(&buf), next)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, *calls)
}

func TestEngineGivesUpAfterMaxAttempts(t *testing.T) {
	var buf bytes.Buffer
	e := NewEngine("[done]", 3)

	next, calls := attemptsFrom([]string{
		geminiFrame("truncated"),
		geminiFrame("still truncated"),
		geminiFrame("never finishes"),
	})
	attempts, err := e.Run(context.Background(), NewWriter(&buf), next)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, *calls)

	// All three partial rounds were still forwarded.
	events := collectFrames(t, buf.String())
	assert.Len(t, events, 3)
}

func TestEngineNonStreamDowngradesToSingleFrame(t *testing.T) {
	var buf bytes.Buffer
	e := NewEngine("[done]", 3)

	body := `{"candidates":[{"content":{"parts":[{"text":"whole reply, no marker"}]}}]}`
	next := func(ctx context.Context, attempt int) (io.ReadCloser, bool, error) {
		return io.NopCloser(strings.NewReader(body)), false, nil
	}
	attempts, err := e.Run(context.Background(), NewWriter(&buf), next)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	events := collectFrames(t, buf.String())
	require.Len(t, events, 1)
	assert.Equal(t, "whole reply, no marker",
		gjson.Get(events[0].Data, "candidates.0.content.parts.0.text").String())
}

func TestEngineStripsSentinelMidText(t *testing.T) {
	var buf bytes.Buffer
	e := NewEngine("[done]", 3)

	next, _ := attemptsFrom([]string{
		geminiFrame("before [done] after"),
	})
	attempts, err := e.Run(context.Background(), NewWriter(&buf), next)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	events := collectFrames(t, buf.String())
	require.Len(t, events, 1)
	assert.Equal(t, "before  after",
		gjson.Get(events[0].Data, "candidates.0.content.parts.0.text").String())
}

func TestEngineScrubsChatCompletionFrames(t *testing.T) {
	var buf bytes.Buffer
	e := NewEngine("[done]", 3)

	frame := `data: {"choices":[{"delta":{"content":"the whole answer [done]"}}]}` + "\n\n"
	next, calls := attemptsFrom([]string{frame})
	attempts, err := e.Run(context.Background(), NewWriter(&buf), next)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts, "the marker counts even outside a candidate frame")
	assert.Equal(t, 1, *calls)

	events := collectFrames(t, buf.String())
	require.Len(t, events, 1)
	assert.Equal(t, "the whole answer ",
		gjson.Get(events[0].Data, "choices.0.delta.content").String())
	assert.NotContains(t, buf.String(), "[done]")
}
