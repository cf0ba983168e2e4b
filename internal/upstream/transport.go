// Package upstream holds the HTTP clients for the model vendors the relay
// fronts: the Anthropic-style messages API and the three Google surfaces
// (public key API, Code Assist, Vertex).
package upstream

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	relayerrors "llmrelay-go/internal/errors"
	"llmrelay-go/internal/monitoring"
)

const (
	dialTimeout           = 10 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 60 * time.Second
	maxIdleConns          = 4096
	maxIdleConnsPerHost   = 4096
)

// NewHTTPClient builds a pooled client tuned for long-lived streaming
// responses: generous idle pool, no overall timeout (streams run until the
// upstream closes them), response-header timeout as the liveness guard.
func NewHTTPClient(proxyURL string) *http.Client {
	tr := &http.Transport{
		Proxy: proxyFunc(proxyURL),
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: 0}
}

func proxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			return http.ProxyURL(parsed)
		}
	}
	return http.ProxyFromEnvironment
}

// IsSSE reports whether the response is an event stream.
func IsSSE(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// CheckStatus turns a non-2xx response into a typed error, consuming and
// closing the body. 2xx responses pass through with the body open; the
// caller owns closing it.
func CheckStatus(resp *http.Response, family relayerrors.Upstream) (*http.Response, error) {
	monitoring.RecordUpstream(string(family), resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	return nil, &relayerrors.UpstreamError{
		Family: family,
		Status: resp.StatusCode,
		Body:   string(body),
	}
}

// wrapNetErr maps transport-level failures to the transient taxonomy.
func wrapNetErr(op string, err error) error {
	return &relayerrors.TransientError{Err: fmt.Errorf("%s: %w", op, err)}
}
