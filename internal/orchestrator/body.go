package orchestrator

import (
	"bytes"
	"io"
	"net/http"
)

// readAndRestore drains the response body and puts an equivalent reader
// back, so inspection does not consume the stream the caller forwards.
func readAndRestore(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
