package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"llmrelay-go/internal/config"
	"llmrelay-go/internal/credential"
	relayerrors "llmrelay-go/internal/errors"
	"llmrelay-go/internal/logging"
	"llmrelay-go/internal/monitoring"
	"llmrelay-go/internal/storage"
	"llmrelay-go/internal/version"
)

// --- cookie pool ---

func (h *Handlers) SubmitCookie(c *gin.Context) {
	var req struct {
		Cookie string `json:"cookie"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Cookie == "" {
		writeError(c, relayerrors.BadRequest("cookie required"))
		return
	}
	if err := h.Cookies.Submit(c.Request.Context(), credential.Cookie{Value: req.Cookie}); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) ListCookies(c *gin.Context) {
	st, err := h.Cookies.GetStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	monitoring.SetPoolGauges("cookie", len(st.Valid), len(st.Exhausted), len(st.Invalid))
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) DeleteCookie(c *gin.Context) {
	value := deleteTarget(c, "cookie")
	if value == "" {
		writeError(c, relayerrors.BadRequest("cookie required"))
		return
	}
	if err := h.Cookies.Delete(c.Request.Context(), value); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- key pool ---

func (h *Handlers) SubmitKeys(c *gin.Context) {
	var req struct {
		Key  string   `json:"key"`
		Keys []string `json:"keys"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, relayerrors.BadRequest("invalid body"))
		return
	}
	if req.Key != "" {
		req.Keys = append(req.Keys, req.Key)
	}
	if len(req.Keys) == 0 {
		writeError(c, relayerrors.BadRequest("key required"))
		return
	}
	added := 0
	for _, k := range req.Keys {
		if err := h.Keys.Submit(c.Request.Context(), credential.APIKey{Value: k}); err != nil {
			var br *relayerrors.BadRequestError
			if errors.As(err, &br) {
				continue // duplicate
			}
			writeError(c, err)
			return
		}
		added++
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "added": added})
}

func (h *Handlers) ListKeys(c *gin.Context) {
	st, err := h.Keys.GetStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	monitoring.SetPoolGauges("key", len(st.Valid), len(st.Exhausted), len(st.Invalid))
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) DeleteKey(c *gin.Context) {
	value := deleteTarget(c, "key")
	if value == "" {
		writeError(c, relayerrors.BadRequest("key required"))
		return
	}
	if err := h.Keys.Delete(c.Request.Context(), value); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- CLI token pool ---

func (h *Handlers) SubmitCliToken(c *gin.Context) {
	var tok credential.CliToken
	if err := c.ShouldBindJSON(&tok); err != nil || tok.Token == "" {
		writeError(c, relayerrors.BadRequest("token required"))
		return
	}
	tok.Token = credential.NormalizeBearer(tok.Token)
	if err := h.CliTokens.Submit(c.Request.Context(), tok); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) ListCliTokens(c *gin.Context) {
	st, err := h.CliTokens.GetStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	monitoring.SetPoolGauges("cli-token", len(st.Valid), len(st.Exhausted), len(st.Invalid))
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) DeleteCliToken(c *gin.Context) {
	value := deleteTarget(c, "token")
	if value == "" {
		writeError(c, relayerrors.BadRequest("token required"))
		return
	}
	if err := h.CliTokens.Delete(c.Request.Context(), credential.NormalizeBearer(value)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- service-account pool ---

func (h *Handlers) SubmitVertex(c *gin.Context) {
	var req struct {
		ID  string          `json:"id"`
		Key json.RawMessage `json:"key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Key) == 0 {
		writeError(c, relayerrors.BadRequest("key document required"))
		return
	}
	sa, err := credential.NewServiceAccount(req.ID, req.Key)
	if err != nil {
		writeError(c, relayerrors.BadRequest(err.Error()))
		return
	}
	if err := h.Vertex.Submit(c.Request.Context(), sa); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": sa.ID})
}

func (h *Handlers) ListVertex(c *gin.Context) {
	st, err := h.Vertex.GetStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	monitoring.SetPoolGauges("vertex", len(st.Valid), len(st.Exhausted), len(st.Invalid))
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) DeleteVertex(c *gin.Context) {
	id := deleteTarget(c, "id")
	if id == "" {
		writeError(c, relayerrors.BadRequest("id required"))
		return
	}
	if err := h.Vertex.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// deleteTarget reads the deletion key from the query string or a JSON body.
func deleteTarget(c *gin.Context, field string) string {
	if v := c.Query(field); v != "" {
		return v
	}
	if v := c.Query("value"); v != "" {
		return v
	}
	var body map[string]string
	if err := c.ShouldBindJSON(&body); err == nil {
		if v := body[field]; v != "" {
			return v
		}
		return body["value"]
	}
	return ""
}

// --- config ---

func (h *Handlers) GetConfig(c *gin.Context) {
	data, err := config.Marshal(config.Snapshot())
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/x-yaml", data)
}

func (h *Handlers) PutConfig(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	cfg, err := config.Unmarshal(body)
	if err != nil {
		writeError(c, relayerrors.BadRequest("parse config: "+err.Error()))
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(c, relayerrors.BadRequest(err.Error()))
		return
	}
	config.Publish(cfg)
	config.SaveAsync()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- misc admin ---

func (h *Handlers) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": version.Full()})
}

// Auth succeeds iff the admin guard let the request through.
func (h *Handlers) Auth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// LogsWS upgrades to a WebSocket and tails the log stream, replaying the
// buffered history first.
func (h *Handlers) LogsWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	hub := logging.DefaultHub()
	if err := hub.Add(conn); err != nil {
		conn.Close()
		return
	}

	cursor, _ := strconv.ParseUint(c.Query("since"), 10, 64)
	history, _, _ := hub.FetchSince(cursor, 0)
	for _, rec := range history {
		if err := conn.WriteJSON(rec); err != nil {
			hub.Remove(conn)
			return
		}
	}

	// Reads only detect the close; clients never send payloads.
	go func() {
		defer hub.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// --- storage bridge ---

func (h *Handlers) StorageImport(c *gin.Context) {
	h.storageBridge(c, h.Store.ImportFromFile)
}

func (h *Handlers) StorageExport(c *gin.Context) {
	h.storageBridge(c, h.Store.ExportToFile)
}

func (h *Handlers) storageBridge(c *gin.Context, run func(ctx context.Context) (storage.BridgeReport, error)) {
	report, err := run(c.Request.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotSupported) {
			c.JSON(http.StatusNotImplemented, gin.H{
				"error": gin.H{"kind": "not_supported", "message": err.Error()},
			})
			return
		}
		log.WithError(err).Error("storage bridge failed")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handlers) StorageStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Store.Status(c.Request.Context()))
}
