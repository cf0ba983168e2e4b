package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// ClientAuth guards the relay endpoints against the configured client keys.
// An empty key list disables the check. The key may arrive as a Bearer
// token, x-api-key, x-goog-api-key, or a ?key= query parameter.
func ClientAuth(keys func() []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed := keys()
		if len(allowed) == 0 {
			c.Next()
			return
		}

		provided := extractClientKey(c)
		if provided == "" {
			unauthorized(c, "API key not provided")
			return
		}
		for _, k := range allowed {
			if k != "" && subtle.ConstantTimeCompare([]byte(k), []byte(provided)) == 1 {
				c.Set("api_key", provided)
				c.Next()
				return
			}
		}
		unauthorized(c, "invalid API key")
	}
}

// AdminAuth guards the management surface with a Bearer token. When a bcrypt
// hash is configured it wins over the plaintext key.
func AdminAuth(key, keyHash func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		hash := keyHash()
		plain := key()
		if hash == "" && plain == "" {
			unauthorized(c, "admin key not configured")
			return
		}

		provided := bearerToken(c)
		if provided == "" {
			unauthorized(c, "admin token not provided")
			return
		}
		if hash != "" {
			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(provided)) != nil {
				unauthorized(c, "invalid admin token")
				return
			}
		} else if subtle.ConstantTimeCompare([]byte(plain), []byte(provided)) != 1 {
			unauthorized(c, "invalid admin token")
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func extractClientKey(c *gin.Context) string {
	if v := bearerToken(c); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.GetHeader("x-api-key")); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.GetHeader("x-goog-api-key")); v != "" {
		return v
	}
	return strings.TrimSpace(c.Query("key"))
}

func unauthorized(c *gin.Context, msg string) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{"kind": "invalid_auth", "message": msg},
	})
	c.Abort()
}
