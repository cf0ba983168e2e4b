package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrelay-go/internal/credential"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8484, c.Server.Port)
	assert.Equal(t, 3, c.Retry.MaxRetries)
	assert.EqualValues(t, 5, c.Retry.ForbiddenThreshold)
	assert.Equal(t, 64, c.Retry.Mailbox)
	assert.Equal(t, "[done]", c.AntiTruncation.Sentinel)
	assert.Equal(t, 30*time.Second, c.Reconcile.Keys.Std())
	assert.Equal(t, 45*time.Second, c.Reconcile.Cookies.Std())
	assert.Equal(t, 60*time.Second, c.Reconcile.Vertex.Std())
}

func TestLoadParsesFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
reconcile:
  keys: 10s
pools:
  keys:
    - key: k1
      count_403: 2
`), 0o600))
	t.Setenv("RELAY_PORT", "9100")
	t.Setenv("RELAY_API_KEYS", "a, b ,")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, c.Server.Port, "env wins over file")
	assert.Equal(t, 10*time.Second, c.Reconcile.Keys.Std())
	assert.Equal(t, []string{"a", "b"}, c.Auth.APIKeys)
	require.Len(t, c.Pools.Keys, 1)
	assert.EqualValues(t, 2, c.Pools.Keys[0].Count403)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestUpdatePreservesOldSnapshots(t *testing.T) {
	Publish(Default())
	before := Snapshot()
	after := Update(func(c *Config) {
		c.Pools.Keys = append(c.Pools.Keys, credential.APIKey{Value: "k"})
	})
	assert.Empty(t, before.Pools.Keys, "captured snapshot stays valid")
	assert.Len(t, after.Pools.Keys, 1)
	assert.Same(t, after, Snapshot())
}

func TestUpdateConcurrentWritersAllLand(t *testing.T) {
	Publish(Default())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			Update(func(c *Config) {
				c.Pools.Keys = append(c.Pools.Keys, credential.APIKey{Value: string(rune('a' + i))})
			})
		}(i)
	}
	wg.Wait()
	assert.Len(t, Snapshot().Pools.Keys, 16)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	SetPath(path)
	t.Cleanup(func() { SetPath("") })

	Publish(Default())
	Update(func(c *Config) {
		c.Pools.Cookies = []credential.Cookie{{Value: "c1"}}
	})
	require.NoError(t, Save(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	back, err := Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, back.Pools.Cookies, 1)
	assert.Equal(t, "c1", back.Pools.Cookies[0].Value)
}
