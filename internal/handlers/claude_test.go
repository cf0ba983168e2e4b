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

	"llmrelay-go/internal/credential"
	"llmrelay-go/internal/oauth"
	"llmrelay-go/internal/orchestrator"
	"llmrelay-go/internal/upstream"
)

func TestMessagesForwardsStopSequencesUpstream(t *testing.T) {
	var mu sync.Mutex
	var upstreamBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		upstreamBody = string(body)
		mu.Unlock()
		w.Write([]byte(`{"type":"message","content":[{"type":"text","text":"short"}]}`))
	}))
	defer srv.Close()

	cookie := credential.Cookie{Value: "sessionKey=sk-ant-1", Token: &credential.TokenInfo{
		AccessToken:  "A1",
		RefreshToken: "R1",
		ExpiresAt:    time.Now().Unix() + 3600,
		OrgUUID:      "org-1",
	}}
	actor := credential.NewCookieActor([]credential.Cookie{cookie}, nil, credential.CookieActorOptions{})
	defer actor.Stop()

	h := &Handlers{Claude: orchestrator.NewClaude(actor,
		oauth.NewWebFlow(srv.URL),
		upstream.NewAnthropicClient(srv.URL, nil))}
	r := gin.New()
	r.POST("/v1/messages", h.Messages)

	body := []byte(`{"model":"claude-sonnet-4-20250514","stop_sequences":["</end>","STOP"],` +
		`"messages":[{"role":"user","content":"tell me everything"}]}`)
	w := perform(r, http.MethodPost, "/v1/messages", body)
	require.Equal(t, http.StatusOK, w.Code)

	// The upstream sees the client's stop list unchanged; local rewriting is
	// a second line of defense on streams, not a replacement.
	mu.Lock()
	defer mu.Unlock()
	stops := gjson.Get(upstreamBody, "stop_sequences").Array()
	require.Len(t, stops, 2)
	assert.Equal(t, "</end>", stops[0].String())
	assert.Equal(t, "STOP", stops[1].String())
}
