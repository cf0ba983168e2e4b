package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"llmrelay-go/internal/credential"
	relayerrors "llmrelay-go/internal/errors"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// VertexTokens mints short-lived access tokens from service-account keys.
// Token sources are cached per account id so the JWT signing and caching
// machinery in the oauth2 package is reused across requests.
type VertexTokens struct {
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func NewVertexTokens() *VertexTokens {
	return &VertexTokens{sources: make(map[string]oauth2.TokenSource)}
}

// AccessToken returns a bearer token for the service account, minting or
// reusing a cached one as the underlying source sees fit.
func (v *VertexTokens) AccessToken(ctx context.Context, sa credential.ServiceAccount) (string, error) {
	src, err := v.source(ctx, sa)
	if err != nil {
		return "", err
	}
	tok, err := src.Token()
	if err != nil {
		return "", &relayerrors.TransientError{Err: fmt.Errorf("mint vertex token for %s: %w", sa.ID, err)}
	}
	return tok.AccessToken, nil
}

// Forget drops the cached source, for when the account is deleted or its
// key stops working.
func (v *VertexTokens) Forget(id string) {
	v.mu.Lock()
	delete(v.sources, id)
	v.mu.Unlock()
}

func (v *VertexTokens) source(ctx context.Context, sa credential.ServiceAccount) (oauth2.TokenSource, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if src, ok := v.sources[sa.ID]; ok {
		return src, nil
	}
	conf, err := google.JWTConfigFromJSON(sa.RawKey, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("%w: parse service account key %s: %v",
			relayerrors.ErrInvalidAuth, sa.ID, err)
	}
	src := oauth2.ReuseTokenSourceWithExpiry(nil, conf.TokenSource(ctx), time.Minute)
	v.sources[sa.ID] = src
	return src, nil
}
