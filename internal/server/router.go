package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"llmrelay-go/internal/config"
	"llmrelay-go/internal/handlers"
	"llmrelay-go/internal/middleware"
)

// NewRouter assembles the full HTTP surface: the relay endpoints, the
// OpenAI-compat and Gemini-compat surfaces, and the management API.
func NewRouter(h *handlers.Handlers) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.CORS(),
		middleware.RequestLogger(),
		middleware.Metrics(),
	)

	rl := config.Snapshot().RateLimit
	clientAuth := middleware.ClientAuth(func() []string {
		return config.Snapshot().Auth.APIKeys
	})
	adminAuth := middleware.AdminAuth(
		func() string { return config.Snapshot().Auth.AdminKey },
		func() string { return config.Snapshot().Auth.AdminKeyHash },
	)

	// Relay surface. Rate limiting applies here only; the management API is
	// already guarded by the admin token.
	relay := r.Group("/", middleware.RateLimiter(rl.RPS, rl.Burst))
	relay.POST("/v1/messages", clientAuth, h.Messages)
	relay.POST("/code/v1/messages", clientAuth, h.Messages)
	relay.POST("/v1/chat/completions", clientAuth, h.ChatCompletions)
	relay.GET("/v1/models", clientAuth, h.ListModels)

	relay.POST("/v1/v1beta/*path", clientAuth, h.GeminiNative)
	relay.GET("/v1/v1beta/*path", clientAuth, h.GeminiModels)
	relay.POST("/gemini/chat/completions", clientAuth, h.GeminiChatCompletions)
	relay.GET("/gemini/models", clientAuth, h.ListModels)
	relay.POST("/gemini/cli/*path", clientAuth, h.GeminiCli)
	relay.POST("/gemini/vertex/*path", clientAuth, h.GeminiVertex)

	// Management surface.
	api := r.Group("/api")
	api.GET("/storage/status", h.StorageStatus)
	api.GET("/version", h.Version)

	guarded := api.Group("", adminAuth)
	guarded.POST("/auth", h.Auth)

	guarded.POST("/cookies", h.SubmitCookie)
	guarded.GET("/cookies", h.ListCookies)
	guarded.DELETE("/cookies", h.DeleteCookie)

	guarded.POST("/keys", h.SubmitKeys)
	guarded.GET("/keys", h.ListKeys)
	guarded.DELETE("/keys", h.DeleteKey)

	guarded.POST("/tokens", h.SubmitCliToken)
	guarded.GET("/tokens", h.ListCliTokens)
	guarded.DELETE("/tokens", h.DeleteCliToken)

	guarded.POST("/vertex", h.SubmitVertex)
	guarded.GET("/vertex", h.ListVertex)
	guarded.DELETE("/vertex", h.DeleteVertex)

	guarded.GET("/config", h.GetConfig)
	guarded.PUT("/config", h.PutConfig)

	guarded.GET("/logs/ws", h.LogsWS)

	guarded.POST("/storage/import", h.StorageImport)
	guarded.POST("/storage/export", h.StorageExport)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", middleware.MetricsHandler)

	return r
}
