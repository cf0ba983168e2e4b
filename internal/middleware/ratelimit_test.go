package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiterPerKey(t *testing.T) {
	r := gin.New()
	r.Use(RateLimiter(1, 1))
	r.GET("/x", func(c *gin.Context) { c.String(200, "ok") })

	hit := func(key string) int {
		req := httptest.NewRequest("GET", "/x", nil)
		req.Header.Set("x-api-key", key)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit("alpha"))
	assert.Equal(t, http.StatusTooManyRequests, hit("alpha"))
	// A different caller has its own budget.
	assert.Equal(t, http.StatusOK, hit("beta"))
}

func TestRateLimiterFallsBackToIP(t *testing.T) {
	r := gin.New()
	r.Use(RateLimiter(1, 1))
	r.GET("/x", func(c *gin.Context) { c.String(200, "ok") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limited")
}

func TestTTLCacheSweepsIdleEntries(t *testing.T) {
	cache := newTTLLimiterCache(time.Millisecond)
	cache.get("stale", func() *rate.Limiter { return rate.NewLimiter(1, 1) })
	time.Sleep(5 * time.Millisecond)

	cache.mu.Lock()
	cache.sweepLocked(time.Now())
	n := len(cache.items)
	cache.mu.Unlock()
	assert.Zero(t, n)
}
