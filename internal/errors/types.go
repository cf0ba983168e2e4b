package errors

import (
	"errors"
	"fmt"
)

// Upstream identifies which provider family produced an error.
type Upstream string

const (
	UpstreamClaude Upstream = "claude"
	UpstreamGemini Upstream = "gemini"
)

// Sentinel errors shared across the relay.
var (
	// ErrNoCredentialAvailable is returned by a pool actor when its queue is empty.
	ErrNoCredentialAvailable = errors.New("no credential available")

	// ErrInvalidAuth marks a credential whose authentication material was rejected.
	ErrInvalidAuth = errors.New("invalid authentication")

	// ErrTooManyRetries is returned by the orchestrator after exhausting its attempts.
	ErrTooManyRetries = errors.New("too many retries")

	// ErrTestMessage short-circuits client connectivity handshakes.
	ErrTestMessage = errors.New("test message")

	// ErrEmptyResponse marks an upstream reply with no usable candidates.
	ErrEmptyResponse = errors.New("empty response from upstream")
)

// BadRequestError rejects a malformed client request.
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string { return "bad request: " + e.Msg }

// BadRequest builds a BadRequestError.
func BadRequest(msg string) error { return &BadRequestError{Msg: msg} }

// UnexpectedNoneError reports a missing value that the caller required.
type UnexpectedNoneError struct {
	Msg string
}

func (e *UnexpectedNoneError) Error() string { return "unexpected none: " + e.Msg }

// UpstreamError carries a non-2xx upstream response.
type UpstreamError struct {
	Family Upstream
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream returned %d: %s", e.Family, e.Status, truncate(e.Body, 256))
}

// DatabaseError wraps a failed storage operation.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string { return fmt.Sprintf("database %s: %v", e.Op, e.Err) }
func (e *DatabaseError) Unwrap() error { return e.Err }

// TransientError wraps network-level failures that consume a retry attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Retryable reports whether the orchestrator loop should consume an attempt
// and continue with a fresh credential instead of failing the request.
func Retryable(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrEmptyResponse) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.Status == 401, ue.Status == 403:
			return true
		case ue.Status == 429:
			return true
		case ue.Status >= 500:
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
