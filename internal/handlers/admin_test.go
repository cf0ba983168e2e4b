package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"llmrelay-go/internal/config"
	"llmrelay-go/internal/credential"
	"llmrelay-go/internal/storage"
)

func adminHandlers() *Handlers {
	return &Handlers{
		Cookies:   credential.NewCookieActor(nil, nil, credential.CookieActorOptions{}),
		Keys:      credential.NewKeyPool(nil, nil, 5, 0),
		CliTokens: credential.NewCliTokenPool(nil, nil, 5, 0),
		Vertex:    credential.NewVertexPool(nil, nil, 5, 0),
		Store:     storage.NewFileLayer(),
	}
}

func adminRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.POST("/api/cookies", h.SubmitCookie)
	r.GET("/api/cookies", h.ListCookies)
	r.DELETE("/api/cookies", h.DeleteCookie)
	r.POST("/api/keys", h.SubmitKeys)
	r.GET("/api/keys", h.ListKeys)
	r.DELETE("/api/keys", h.DeleteKey)
	r.POST("/api/tokens", h.SubmitCliToken)
	r.GET("/api/tokens", h.ListCliTokens)
	r.POST("/api/vertex", h.SubmitVertex)
	r.GET("/api/vertex", h.ListVertex)
	r.DELETE("/api/vertex", h.DeleteVertex)
	r.GET("/api/config", h.GetConfig)
	r.PUT("/api/config", h.PutConfig)
	r.POST("/api/storage/import", h.StorageImport)
	r.POST("/api/storage/export", h.StorageExport)
	r.GET("/api/storage/status", h.StorageStatus)
	return r
}

func TestCookieCRUD(t *testing.T) {
	h := adminHandlers()
	defer h.Cookies.Stop()
	r := adminRouter(h)

	w := perform(r, http.MethodPost, "/api/cookies", []byte(`{"cookie":"sk-sess-1"}`))
	require.Equal(t, http.StatusOK, w.Code)

	w = perform(r, http.MethodGet, "/api/cookies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sk-sess-1", gjson.Get(w.Body.String(), "valid.0.cookie").String())

	w = perform(r, http.MethodDelete, "/api/cookies?cookie=sk-sess-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = perform(r, http.MethodGet, "/api/cookies", nil)
	assert.Empty(t, gjson.Get(w.Body.String(), "valid").Array())
}

func TestSubmitCookieRejectsEmpty(t *testing.T) {
	h := adminHandlers()
	defer h.Cookies.Stop()
	r := adminRouter(h)

	w := perform(r, http.MethodPost, "/api/cookies", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", gjson.Get(w.Body.String(), "error.kind").String())
}

func TestSubmitKeysBulkSkipsDuplicates(t *testing.T) {
	h := adminHandlers()
	r := adminRouter(h)

	w := perform(r, http.MethodPost, "/api/keys", []byte(`{"keys":["AIza-1","AIza-2","AIza-1"]}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, gjson.Get(w.Body.String(), "added").Int())

	w = perform(r, http.MethodGet, "/api/keys", nil)
	assert.Len(t, gjson.Get(w.Body.String(), "valid").Array(), 2)
}

func TestSubmitSingleKeyField(t *testing.T) {
	h := adminHandlers()
	r := adminRouter(h)

	w := perform(r, http.MethodPost, "/api/keys", []byte(`{"key":"AIza-solo"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, gjson.Get(w.Body.String(), "added").Int())
}

func TestDeleteKeyFromBody(t *testing.T) {
	h := adminHandlers()
	r := adminRouter(h)

	perform(r, http.MethodPost, "/api/keys", []byte(`{"key":"AIza-gone"}`))
	w := perform(r, http.MethodDelete, "/api/keys", []byte(`{"key":"AIza-gone"}`))
	require.Equal(t, http.StatusOK, w.Code)

	w = perform(r, http.MethodGet, "/api/keys", nil)
	assert.Empty(t, gjson.Get(w.Body.String(), "valid").Array())
}

func TestSubmitCliTokenNormalizesBearer(t *testing.T) {
	h := adminHandlers()
	r := adminRouter(h)

	w := perform(r, http.MethodPost, "/api/tokens", []byte(`{"token":"Bearer ya29.abc"}`))
	require.Equal(t, http.StatusOK, w.Code)

	w = perform(r, http.MethodGet, "/api/tokens", nil)
	assert.Equal(t, "ya29.abc", gjson.Get(w.Body.String(), "valid.0.token").String())
}

func TestSubmitVertexDerivesID(t *testing.T) {
	h := adminHandlers()
	r := adminRouter(h)

	body := []byte(`{"key":{"type":"service_account","client_email":"svc@proj.iam.gserviceaccount.com","project_id":"proj"}}`)
	w := perform(r, http.MethodPost, "/api/vertex", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "svc@proj.iam.gserviceaccount.com", gjson.Get(w.Body.String(), "id").String())

	w = perform(r, http.MethodPost, "/api/vertex", []byte(`{"key":{"type":"service_account"}}`))
	assert.Equal(t, http.StatusBadRequest, w.Code, "no client_email and no id")
}

func TestConfigRoundTrip(t *testing.T) {
	config.Publish(config.Default())
	h := adminHandlers()
	r := adminRouter(h)

	w := perform(r, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "port: 8484")

	cfg := config.Default()
	cfg.Server.Port = 9090
	data, err := config.Marshal(cfg)
	require.NoError(t, err)

	w = perform(r, http.MethodPut, "/api/config", data)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 9090, config.Snapshot().Server.Port)

	config.Publish(config.Default())
}

func TestPutConfigRejectsInvalid(t *testing.T) {
	config.Publish(config.Default())
	h := adminHandlers()
	r := adminRouter(h)

	cfg := config.Default()
	cfg.Server.Port = -1
	data, err := config.Marshal(cfg)
	require.NoError(t, err)

	w := perform(r, http.MethodPut, "/api/config", data)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 8484, config.Snapshot().Server.Port, "snapshot unchanged")
}

func TestStorageBridgeFileMode(t *testing.T) {
	h := adminHandlers()
	r := adminRouter(h)

	for _, path := range []string{"/api/storage/import", "/api/storage/export"} {
		w := perform(r, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusNotImplemented, w.Code, path)
		assert.Equal(t, "not_supported", gjson.Get(w.Body.String(), "error.kind").String(), path)
	}
}

func TestStorageStatusFileMode(t *testing.T) {
	h := adminHandlers()
	r := adminRouter(h)

	w := perform(r, http.MethodGet, "/api/storage/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "file", gjson.Get(w.Body.String(), "mode").String())
	assert.False(t, gjson.Get(w.Body.String(), "enabled").Bool())
	assert.False(t, gjson.Get(w.Body.String(), "healthy").Bool())
}

func TestListKeysReflectsExhaustion(t *testing.T) {
	h := adminHandlers()
	r := adminRouter(h)

	ctx := context.Background()
	perform(r, http.MethodPost, "/api/keys", []byte(`{"key":"AIza-cooling"}`))
	k, err := h.Keys.Request(ctx)
	require.NoError(t, err)
	reset := time.Now().Add(time.Hour).Unix()
	require.NoError(t, h.Keys.Return(ctx, k, credential.TooManyRequests(reset)))

	w := perform(r, http.MethodGet, "/api/keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, gjson.Get(w.Body.String(), "valid").Array())
	assert.Equal(t, "AIza-cooling", gjson.Get(w.Body.String(), "exhausted.0.key").String())
}
