package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"llmrelay-go/internal/config"
	"llmrelay-go/internal/credential"
	"llmrelay-go/internal/handlers"
	"llmrelay-go/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRouter() *gin.Engine {
	h := &handlers.Handlers{
		Cookies:   credential.NewCookieActor(nil, nil, credential.CookieActorOptions{}),
		Keys:      credential.NewKeyPool(nil, nil, 5, 0),
		CliTokens: credential.NewCliTokenPool(nil, nil, 5, 0),
		Vertex:    credential.NewVertexPool(nil, nil, 5, 0),
		Store:     storage.NewFileLayer(),
	}
	return NewRouter(h)
}

func get(r *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetricsOpen(t *testing.T) {
	config.Publish(config.Default())
	r := testRouter()

	w := get(r, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())

	w = get(r, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminSurfaceGuarded(t *testing.T) {
	config.Update(func(c *config.Config) {
		c.Auth.AdminKey = "admin-secret"
	})
	defer config.Publish(config.Default())
	r := testRouter()

	w := get(r, "/api/keys", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, "/api/keys", map[string]string{"Authorization": "Bearer admin-secret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStorageStatusUnguarded(t *testing.T) {
	config.Update(func(c *config.Config) {
		c.Auth.AdminKey = "admin-secret"
	})
	defer config.Publish(config.Default())
	r := testRouter()

	w := get(r, "/api/storage/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "file", gjson.Get(w.Body.String(), "mode").String())
}

func TestClientAuthOnRelaySurface(t *testing.T) {
	config.Update(func(c *config.Config) {
		c.Auth.APIKeys = []string{"sk-client"}
	})
	defer config.Publish(config.Default())
	r := testRouter()

	w := get(r, "/v1/models", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, "/v1/models", map[string]string{"x-api-key": "sk-client"})
	assert.Equal(t, http.StatusOK, w.Code)
}
