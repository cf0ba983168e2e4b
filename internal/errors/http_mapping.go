package errors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an internal error onto the status code the client sees.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNoCredentialAvailable):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTooManyRetries):
		return http.StatusBadGateway
	case errors.Is(err, ErrEmptyResponse):
		return http.StatusBadGateway
	}
	var br *BadRequestError
	if errors.As(err, &br) {
		return http.StatusBadRequest
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return http.StatusBadGateway
	}
	var te *TransientError
	if errors.As(err, &te) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Kind returns the stable machine-readable tag used in error bodies.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNoCredentialAvailable):
		return "no_credential_available"
	case errors.Is(err, ErrInvalidAuth):
		return "invalid_auth"
	case errors.Is(err, ErrTooManyRetries):
		return "too_many_retries"
	case errors.Is(err, ErrTestMessage):
		return "test_message"
	case errors.Is(err, ErrEmptyResponse):
		return "empty_response"
	}
	var br *BadRequestError
	if errors.As(err, &br) {
		return "bad_request"
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return "upstream_error"
	}
	var de *DatabaseError
	if errors.As(err, &de) {
		return "database_error"
	}
	var te *TransientError
	if errors.As(err, &te) {
		return "transient"
	}
	var un *UnexpectedNoneError
	if errors.As(err, &un) {
		return "unexpected_none"
	}
	return "internal_error"
}

// Body is the proxy-generated error envelope.
type Body struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// ToBody renders err as the client-facing envelope.
func ToBody(err error) Body {
	var b Body
	b.Error.Kind = Kind(err)
	b.Error.Message = err.Error()
	return b
}
