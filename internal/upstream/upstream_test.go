package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "llmrelay-go/internal/errors"
)

func TestAnthropicMessagesHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		got = r.Header.Clone()
		w.Write([]byte(`{"type":"message"}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, srv.Client())
	resp, err := c.Messages(context.Background(), "tok", "oauth-2025-04-20", []byte(`{}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer tok", got.Get("Authorization"))
	assert.Equal(t, "oauth-2025-04-20", got.Get("anthropic-beta"))
	assert.Equal(t, APIVersion, got.Get("anthropic-version"))
}

func TestAnthropicMessagesErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, srv.Client())
	_, err := c.Messages(context.Background(), "tok", "", []byte(`{}`))

	var ue *relayerrors.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, relayerrors.UpstreamClaude, ue.Family)
	assert.Equal(t, http.StatusTooManyRequests, ue.Status)
	assert.Contains(t, ue.Body, "rate limited")
}

func TestAnthropicUsageBoundaries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/oauth/usage", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"five_hour": map[string]any{"resets_at": "2026-01-02T15:04:05Z"},
			"seven_day": map[string]any{"resets_at": nil},
		})
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, srv.Client())
	session, weekly, err := c.UsageBoundaries(context.Background(), "tok")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.EqualValues(t, 1767366245, *session)
	assert.Nil(t, weekly)
}

func TestGeminiGenerateAppendsKey(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewGeminiClient(srv.URL, srv.Client())
	resp, err := c.Generate(context.Background(), "AIzaKey",
		"models/gemini-2.5-pro:streamGenerateContent", "alt=sse", []byte(`{}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, gotURL, "/v1beta/models/gemini-2.5-pro:streamGenerateContent")
	assert.Contains(t, gotURL, "alt=sse")
	assert.Contains(t, gotURL, "key=AIzaKey")
}

func TestCodeAssistWrapsEnvelope(t *testing.T) {
	var gotPath, gotAuth string
	var envelope map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &envelope))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewCodeAssistClient(srv.URL, srv.Client())
	resp, err := c.GenerateContent(context.Background(), "ya29.t", "gemini-2.5-pro", "proj-1",
		[]byte(`{"contents":[]}`), true)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "/v1internal:streamGenerateContent?alt=sse", gotPath)
	assert.Equal(t, "Bearer ya29.t", gotAuth)
	assert.JSONEq(t, `"gemini-2.5-pro"`, string(envelope["model"]))
	assert.JSONEq(t, `"proj-1"`, string(envelope["project"]))
	assert.JSONEq(t, `{"contents":[]}`, string(envelope["request"]))
}

func TestVertexPathShape(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewVertexClient(srv.URL, srv.Client())
	resp, err := c.GenerateContent(context.Background(), "tok", "proj-1", "gemini-2.5-pro", []byte(`{}`), false)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "/v1/projects/proj-1/locations/global/publishers/google/models/gemini-2.5-pro:generateContent", gotPath)
}

func TestStreamMethodSwap(t *testing.T) {
	assert.Equal(t, "models/m:streamGenerateContent",
		StreamMethod("models/m:generateContent", true))
	assert.Equal(t, "models/m:generateContent",
		StreamMethod("models/m:streamGenerateContent", false))
	assert.Equal(t, "models/m:generateContent",
		StreamMethod("models/m:generateContent", false))
}

func TestRedactKeyParam(t *testing.T) {
	assert.NotContains(t, redactKeyParam("https://g/v1beta/x?alt=sse&key=secret"), "secret")
}
