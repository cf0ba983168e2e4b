package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrelay-go/internal/config"
)

func configLog(level string) config.LogConfig {
	return config.LogConfig{Level: level}
}

func TestHubHistoryRing(t *testing.T) {
	h := NewHub()
	h.historyCap = 3

	for i := 0; i < 5; i++ {
		h.Publish("info", "line", nil)
	}

	recs, cursor, more := h.FetchSince(0, 10)
	require.Len(t, recs, 3)
	assert.EqualValues(t, 3, recs[0].ID, "oldest two lines rolled out")
	assert.EqualValues(t, 5, cursor)
	assert.False(t, more)
}

func TestHubFetchSinceCursor(t *testing.T) {
	h := NewHub()
	for i := 0; i < 4; i++ {
		h.Publish("info", "line", nil)
	}

	recs, cursor, more := h.FetchSince(0, 2)
	require.Len(t, recs, 2)
	assert.EqualValues(t, 4, cursor)
	assert.False(t, more)

	recs, cursor, more = h.FetchSince(2, 1)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 3, recs[0].ID)
	assert.EqualValues(t, 3, cursor)
	assert.True(t, more)

	recs, _, _ = h.FetchSince(4, 10)
	assert.Empty(t, recs, "cursor at the tip yields nothing")
}

func TestSetupRejectsBadLevel(t *testing.T) {
	err := Setup(configLog("nope"))
	assert.Error(t, err)
	require.NoError(t, Setup(configLog("warn")))
}
