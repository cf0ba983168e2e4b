package handlers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"llmrelay-go/internal/config"
	"llmrelay-go/internal/credential"
	"llmrelay-go/internal/orchestrator"
	"llmrelay-go/internal/upstream"
)

// roundRecorder captures the request body of every upstream round.
type roundRecorder struct {
	mu     sync.Mutex
	bodies []string
}

func (r *roundRecorder) add(body []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, string(body))
	return len(r.bodies)
}

func (r *roundRecorder) round(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[i]
}

func (r *roundRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func enableAntiTruncation(t *testing.T) config.AntiTruncationConfig {
	t.Helper()
	t.Cleanup(func() { config.Publish(config.Default()) })
	cfg := config.Update(func(c *config.Config) { c.AntiTruncation.Enabled = true })
	return cfg.AntiTruncation
}

func sseFrame(text string) []byte {
	return []byte(`data: {"candidates":[{"content":{"parts":[{"text":"` + text + `"}]}}]}` + "\n\n")
}

func TestGeminiNativeContinuationRounds(t *testing.T) {
	rec := &roundRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		n := rec.add(body)
		w.Header().Set("Content-Type", "text/event-stream")
		if n == 1 {
			w.Write(sseFrame("first half"))
			return
		}
		w.Write(sseFrame("second half [done]"))
	}))
	defer srv.Close()

	cfg := enableAntiTruncation(t)
	keys := credential.NewKeyPool([]credential.APIKey{{Value: "AIza-test"}}, nil, 5, 0)
	h := &Handlers{Gemini: orchestrator.NewGemini(orchestrator.GeminiDeps{
		Keys:       keys,
		Client:     upstream.NewGeminiClient(srv.URL, nil),
		MaxRetries: 1,
	})}
	r := gin.New()
	r.POST("/v1/v1beta/*path", h.GeminiNative)

	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"write it all"}]}]}`)
	w := perform(r, http.MethodPost, "/v1/v1beta/models/gemini-2.5-pro:streamGenerateContent", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, rec.count())

	// Round one carries the completion prompt only; the continuation turn
	// belongs to later rounds.
	first := rec.round(0)
	assert.Equal(t, cfg.CompletionPrompt, gjson.Get(first, "systemInstruction.parts.0.text").String())
	require.Len(t, gjson.Get(first, "contents").Array(), 1)

	second := rec.round(1)
	turns := gjson.Get(second, "contents").Array()
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[1].Get("role").String())
	assert.Equal(t, cfg.ContinuationPrompt, turns[1].Get("parts.0.text").String())

	assert.Contains(t, w.Body.String(), "second half")
	assert.NotContains(t, w.Body.String(), cfg.Sentinel)
}

func TestGeminiCliStreamRunsContinuationLoop(t *testing.T) {
	rec := &roundRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1internal:streamGenerateContent", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		rec.add(body)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write(sseFrame("all of it [done]"))
	}))
	defer srv.Close()

	cfg := enableAntiTruncation(t)
	exp := time.Now().Add(time.Hour).Unix()
	tokens := credential.NewCliTokenPool([]credential.CliToken{{Token: "ya29.ok", ExpiresAt: &exp}}, nil, 5, 0)
	h := &Handlers{Gemini: orchestrator.NewGemini(orchestrator.GeminiDeps{
		CliTokens:  tokens,
		CodeAssist: upstream.NewCodeAssistClient(srv.URL, nil),
		MaxRetries: 1,
	})}
	r := gin.New()
	r.POST("/gemini/cli/*path", h.GeminiCli)

	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"go"}]}]}`)
	w := perform(r, http.MethodPost, "/gemini/cli/models/gemini-2.5-pro:streamGenerateContent", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, rec.count())

	env := rec.round(0)
	assert.Equal(t, "gemini-2.5-pro", gjson.Get(env, "model").String())
	assert.Equal(t, cfg.CompletionPrompt, gjson.Get(env, "request.systemInstruction.parts.0.text").String())
	require.Len(t, gjson.Get(env, "request.contents").Array(), 1)

	assert.Contains(t, w.Body.String(), "all of it")
	assert.NotContains(t, w.Body.String(), cfg.Sentinel)
}

func TestChatCompletionsStreamContinuationRounds(t *testing.T) {
	rec := &roundRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		n := rec.add(body)
		w.Header().Set("Content-Type", "text/event-stream")
		if n == 1 {
			w.Write([]byte(`data: {"choices":[{"delta":{"content":"first half"}}]}` + "\n\n"))
			return
		}
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"the rest [done]"}}]}` + "\n\n"))
	}))
	defer srv.Close()

	cfg := enableAntiTruncation(t)
	keys := credential.NewKeyPool([]credential.APIKey{{Value: "AIza-test"}}, nil, 5, 0)
	h := &Handlers{Gemini: orchestrator.NewGemini(orchestrator.GeminiDeps{
		Keys:       keys,
		Client:     upstream.NewGeminiClient(srv.URL, nil),
		MaxRetries: 1,
	})}
	r := gin.New()
	r.POST("/gemini/chat/completions", h.GeminiChatCompletions)

	body := []byte(`{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"write"}]}`)
	w := perform(r, http.MethodPost, "/gemini/chat/completions", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, rec.count())

	// The completion prompt rides in a prepended system message.
	first := gjson.Get(rec.round(0), "messages").Array()
	require.Len(t, first, 2)
	assert.Equal(t, "system", first[0].Get("role").String())
	assert.Equal(t, cfg.CompletionPrompt, first[0].Get("content").String())
	assert.Equal(t, "user", first[1].Get("role").String())

	second := gjson.Get(rec.round(1), "messages").Array()
	require.Len(t, second, 3)
	assert.Equal(t, "system", second[0].Get("role").String())
	assert.Equal(t, "user", second[2].Get("role").String())
	assert.Equal(t, cfg.ContinuationPrompt, second[2].Get("content").String())

	assert.Contains(t, w.Body.String(), "the rest")
	assert.NotContains(t, w.Body.String(), cfg.Sentinel)
}

func TestChatCompletionsUnaryBypassesContinuationLoop(t *testing.T) {
	rec := &roundRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.add(body)
		w.Write([]byte(`{"choices":[{"message":{"content":"done"}}]}`))
	}))
	defer srv.Close()

	enableAntiTruncation(t)
	keys := credential.NewKeyPool([]credential.APIKey{{Value: "AIza-test"}}, nil, 5, 0)
	h := &Handlers{Gemini: orchestrator.NewGemini(orchestrator.GeminiDeps{
		Keys:       keys,
		Client:     upstream.NewGeminiClient(srv.URL, nil),
		MaxRetries: 1,
	})}
	r := gin.New()
	r.POST("/gemini/chat/completions", h.GeminiChatCompletions)

	body := []byte(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"write"}]}`)
	w := perform(r, http.MethodPost, "/gemini/chat/completions", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, rec.count())
	assert.False(t, gjson.Get(rec.round(0), "messages.0.role").String() == "system",
		"unary requests go out untouched")
}
