package oauth

import (
	"time"

	"llmrelay-go/internal/credential"
)

// TokenStatus classifies a cookie's paired OAuth token before dispatch.
type TokenStatus int

const (
	// TokenNone means the cookie has never completed the code exchange.
	TokenNone TokenStatus = iota
	// TokenExpired means the stored access token is past its expiry.
	TokenExpired
	// TokenValid means the stored access token can be used as-is.
	TokenValid
)

func (s TokenStatus) String() string {
	switch s {
	case TokenNone:
		return "none"
	case TokenExpired:
		return "expired"
	case TokenValid:
		return "valid"
	}
	return "unknown"
}

// Classify decides which lifecycle action a cookie's token needs.
func Classify(token *credential.TokenInfo, now time.Time) TokenStatus {
	if token == nil || token.AccessToken == "" {
		return TokenNone
	}
	if now.Unix() >= token.ExpiresAt {
		return TokenExpired
	}
	return TokenValid
}
