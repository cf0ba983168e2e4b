package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// claudeBaseModels are the Anthropic-side models the relay fronts. The -1M
// and -thinking variants are synthesized in the catalog; -thinking strips to
// the base model with a thinking budget, -1M triggers the premium-window
// probe.
var claudeBaseModels = []string{
	"claude-opus-4-1",
	"claude-sonnet-4-5",
	"claude-sonnet-4",
	"claude-haiku-3-5",
}

var geminiModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.0-flash",
}

func catalogIDs() []string {
	out := make([]string, 0, len(claudeBaseModels)*4+len(geminiModels))
	for _, base := range claudeBaseModels {
		out = append(out, base, base+"-thinking")
		if strings.Contains(base, "sonnet") {
			out = append(out, base+"-1M", base+"-1M-thinking")
		}
	}
	out = append(out, geminiModels...)
	return out
}

// ListModels serves the OpenAI-shaped catalog.
func (h *Handlers) ListModels(c *gin.Context) {
	created := time.Now().Unix()
	data := make([]gin.H, 0)
	for _, id := range catalogIDs() {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  created,
			"owned_by": "llmrelay",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// GeminiModels serves the Gemini-shaped catalog on the native surface.
func (h *Handlers) GeminiModels(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	if path != "models" && path != "models/" {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"kind": "bad_request", "message": "unknown listing path"},
		})
		return
	}
	models := make([]gin.H, 0, len(geminiModels))
	for _, id := range geminiModels {
		models = append(models, gin.H{
			"name":                       "models/" + id,
			"displayName":                id,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}
