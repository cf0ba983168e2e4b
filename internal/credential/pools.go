package credential

import "context"

// KeyStore is the storage slice backing the API key pool.
type KeyStore interface {
	PersistKey(ctx context.Context, k APIKey) error
	DeleteKey(ctx context.Context, value string) error
}

// CliTokenStore is the storage slice backing the CLI token pool.
type CliTokenStore interface {
	PersistCliToken(ctx context.Context, t CliToken) error
	DeleteCliToken(ctx context.Context, token string) error
}

// VertexStore is the storage slice backing the service-account pool.
type VertexStore interface {
	PersistVertex(ctx context.Context, s ServiceAccount) error
	DeleteVertex(ctx context.Context, id string) error
}

// NewKeyPool builds the API key actor with forbidden-count retirement.
func NewKeyPool(initial []APIKey, store KeyStore, threshold int64, mailbox int) *Pool[APIKey] {
	opts := PoolOptions[APIKey]{
		Name:               "key",
		Mailbox:            mailbox,
		Forbidden:          func(k *APIKey) int64 { k.Count403++; return k.Count403 },
		ForbiddenThreshold: threshold,
	}
	if store != nil {
		opts.Persist = store.PersistKey
		opts.Remove = store.DeleteKey
	}
	return NewPool(initial, opts)
}

// NewCliTokenPool builds the CLI bearer token actor.
func NewCliTokenPool(initial []CliToken, store CliTokenStore, threshold int64, mailbox int) *Pool[CliToken] {
	opts := PoolOptions[CliToken]{
		Name:               "cli-token",
		Mailbox:            mailbox,
		Forbidden:          func(t *CliToken) int64 { t.Count403++; return t.Count403 },
		ForbiddenThreshold: threshold,
	}
	if store != nil {
		opts.Persist = store.PersistCliToken
		opts.Remove = store.DeleteCliToken
	}
	return NewPool(initial, opts)
}

// NewVertexPool builds the service-account actor.
func NewVertexPool(initial []ServiceAccount, store VertexStore, threshold int64, mailbox int) *Pool[ServiceAccount] {
	opts := PoolOptions[ServiceAccount]{
		Name:               "vertex",
		Mailbox:            mailbox,
		Forbidden:          func(s *ServiceAccount) int64 { s.Count403++; return s.Count403 },
		ForbiddenThreshold: threshold,
	}
	if store != nil {
		opts.Persist = store.PersistVertex
		opts.Remove = store.DeleteVertex
	}
	return NewPool(initial, opts)
}
