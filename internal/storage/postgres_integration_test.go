package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"llmrelay-go/internal/credential"
)

// Spins up a disposable Postgres and exercises the vendor-specific SQL.
// Opt in with RELAY_TEST_POSTGRES=1; CI without Docker skips it.
func TestPostgresLayerIntegration(t *testing.T) {
	if os.Getenv("RELAY_TEST_POSTGRES") == "" {
		t.Skip("set RELAY_TEST_POSTGRES=1 to run the Postgres integration test")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "relay",
				"POSTGRES_PASSWORD": "relay",
				"POSTGRES_DB":       "relay",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://relay:relay@%s:%s/relay?sslmode=disable", host, port.Port())
	l, err := OpenDB(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	// Upsert twice: the ON CONFLICT path must replace, not duplicate.
	require.NoError(t, l.PersistKey(ctx, credential.APIKey{Value: "k1", Count403: 1}))
	require.NoError(t, l.PersistKey(ctx, credential.APIKey{Value: "k1", Count403: 2}))
	keys, err := l.LoadKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.EqualValues(t, 2, keys[0].Count403)

	ck := credential.Cookie{Value: "c1", Token: &credential.TokenInfo{
		AccessToken: "a", RefreshToken: "r", ExpiresAt: 1, ExpiresIn: 1, OrgUUID: "o",
	}}
	require.NoError(t, l.PersistCookie(ctx, ck))
	cookies, _, err := l.LoadCookies(ctx)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	require.NotNil(t, cookies[0].Token)
	assert.Equal(t, "o", cookies[0].Token.OrgUUID)

	st := l.Status(ctx)
	assert.True(t, st.Healthy)
	assert.Contains(t, st.Details.DatabaseURL, "xxxxx")
}
