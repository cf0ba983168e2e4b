// Package handlers implements the HTTP surface: the relay endpoints over the
// credential pools, the model catalog, and the admin API.
package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"llmrelay-go/internal/credential"
	relayerrors "llmrelay-go/internal/errors"
	"llmrelay-go/internal/orchestrator"
	"llmrelay-go/internal/storage"
)

// Handlers bundles the collaborators behind the routes.
type Handlers struct {
	Claude    *orchestrator.Claude
	Gemini    *orchestrator.Gemini
	Cookies   *credential.CookieActor
	Keys      *credential.Pool[credential.APIKey]
	CliTokens *credential.Pool[credential.CliToken]
	Vertex    *credential.Pool[credential.ServiceAccount]
	Store     storage.Layer
}

// writeError renders the relay error envelope with the mapped status.
func writeError(c *gin.Context, err error) {
	c.JSON(relayerrors.HTTPStatus(err), relayerrors.ToBody(err))
}

// relayResponse copies an upstream reply back to the client as-is.
func relayResponse(c *gin.Context, resp *http.Response) {
	defer resp.Body.Close()
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.DataFromReader(resp.StatusCode, resp.ContentLength, contentType, resp.Body, nil)
}

// relayStream copies an SSE reply to the client, flushing per write.
func relayStream(c *gin.Context, body io.Reader) {
	sseHeaders(c)
	c.Writer.Flush()
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			return
		}
	}
}

func sseHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 32*1024*1024))
	if err != nil {
		return nil, relayerrors.BadRequest("read request body: " + err.Error())
	}
	return body, nil
}
