package storage

import (
	"context"

	"llmrelay-go/internal/credential"
)

// BridgeReport summarizes one import or export run.
type BridgeReport struct {
	Cookies   int `json:"cookies"`
	Wasted    int `json:"wasted_cookies"`
	Keys      int `json:"keys"`
	CliTokens int `json:"cli_tokens"`
	Vertex    int `json:"vertex_credentials"`
}

// StatusDetails is the nested block of the status JSON.
type StatusDetails struct {
	DatabaseURL string `json:"database_url,omitempty"`
	LatencyMS   int64  `json:"latency_ms"`
}

// StatusReport is the health JSON served without auth.
type StatusReport struct {
	Enabled     bool           `json:"enabled"`
	Mode        string         `json:"mode"`
	Healthy     bool           `json:"healthy"`
	Details     *StatusDetails `json:"details,omitempty"`
	TotalWrites int64          `json:"total_writes"`
	AvgWriteMS  float64        `json:"avg_write_ms"`
	FailureRate float64        `json:"failure_ratio"`
	RetryCount  int64          `json:"retry_count"`
	LastError   string         `json:"last_error,omitempty"`
}

// Layer is the dual-mode persistence contract. The file implementation
// treats row operations as trivially successful; the DB implementation
// mirrors every pool into its own table.
type Layer interface {
	// Enabled reports DB mode.
	Enabled() bool
	// Mode is "file" or "db".
	Mode() string

	// BootstrapConfig returns the persisted config blob, if any.
	BootstrapConfig(ctx context.Context) (data []byte, ok bool, err error)
	// PersistConfig upserts the config blob under the key "main".
	PersistConfig(ctx context.Context, data []byte) error

	PersistCookie(ctx context.Context, c credential.Cookie) error
	DeleteCookie(ctx context.Context, value string) error
	PersistWasted(ctx context.Context, w credential.WastedCookie) error

	PersistKey(ctx context.Context, k credential.APIKey) error
	DeleteKey(ctx context.Context, value string) error

	PersistCliToken(ctx context.Context, t credential.CliToken) error
	DeleteCliToken(ctx context.Context, token string) error

	PersistVertex(ctx context.Context, s credential.ServiceAccount) error
	DeleteVertex(ctx context.Context, id string) error

	// ReplaceCookies and ReplaceKeys are full-table swaps for bulk import.
	ReplaceCookies(ctx context.Context, cookies []credential.Cookie, wasted []credential.WastedCookie) error
	ReplaceKeys(ctx context.Context, keys []credential.APIKey) error

	// Snapshot readers for the reconciler.
	LoadCookies(ctx context.Context) ([]credential.Cookie, []credential.WastedCookie, error)
	LoadKeys(ctx context.Context) ([]credential.APIKey, error)
	LoadCliTokens(ctx context.Context) ([]credential.CliToken, error)
	LoadVertex(ctx context.Context) ([]credential.ServiceAccount, error)

	// ImportFromFile pushes the on-disk config pools into the DB;
	// ExportToFile writes the DB contents back into the config file.
	ImportFromFile(ctx context.Context) (BridgeReport, error)
	ExportToFile(ctx context.Context) (BridgeReport, error)

	Status(ctx context.Context) StatusReport
	Close() error
}
