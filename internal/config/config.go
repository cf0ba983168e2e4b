package config

import (
	"fmt"
	"time"

	"llmrelay-go/internal/credential"
)

// Duration is a time.Duration that reads "30s" style strings from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// ServerConfig is the listener configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Proxy routes all upstream traffic through the given URL. Empty falls
	// back to the standard proxy environment variables.
	Proxy string `yaml:"proxy"`
}

// AuthConfig guards the inbound surface.
type AuthConfig struct {
	// APIKeys are the client-facing keys accepted on X-API-Key / Bearer.
	APIKeys []string `yaml:"api_keys"`
	// AdminKey guards the management surface. Plaintext comparison.
	AdminKey string `yaml:"admin_key"`
	// AdminKeyHash, when set, replaces AdminKey with a bcrypt comparison.
	AdminKeyHash string `yaml:"admin_key_hash"`
}

// RetryConfig tunes the orchestrator and the pool actors.
type RetryConfig struct {
	// MaxRetries yields MaxRetries+1 total attempts per request.
	MaxRetries int `yaml:"max_retries"`
	// ForbiddenThreshold retires a key/token after this many 403s.
	ForbiddenThreshold int64 `yaml:"forbidden_threshold"`
	// Mailbox bounds each actor's message channel.
	Mailbox int `yaml:"mailbox"`
}

// ClaudeConfig points at the Anthropic-style upstream.
type ClaudeConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// GeminiConfig points at the Google-style upstreams.
type GeminiConfig struct {
	Endpoint string `yaml:"endpoint"`
	// CodeAssistEndpoint serves the CLI bearer flow.
	CodeAssistEndpoint string `yaml:"code_assist_endpoint"`
	// VertexEndpoint serves the service-account flow.
	VertexEndpoint string `yaml:"vertex_endpoint"`
	// VertexModelID pins all vertex requests to one model when set.
	VertexModelID string `yaml:"vertex_model_id"`
}

// AntiTruncationConfig tunes the continuation loop.
type AntiTruncationConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Sentinel           string `yaml:"sentinel"`
	MaxAttempts        int    `yaml:"max_attempts"`
	CompletionPrompt   string `yaml:"completion_prompt"`
	ContinuationPrompt string `yaml:"continuation_prompt"`
}

// StorageConfig selects file or DB persistence.
type StorageConfig struct {
	// DatabaseURL enables DB mode; scheme picks the vendor
	// (sqlite:, postgres:, mysql:). Empty means file mode.
	DatabaseURL string `yaml:"database_url"`
}

// ReconcileConfig sets the cadence of the three convergence loops.
type ReconcileConfig struct {
	Keys    Duration `yaml:"keys"`
	Cookies Duration `yaml:"cookies"`
	Vertex  Duration `yaml:"vertex"`
}

// RateLimitConfig guards the public endpoints.
type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// LogConfig controls logrus setup.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	Debug bool   `yaml:"debug"`
}

// TracingConfig enables the OTLP exporter when an endpoint is set.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// PoolsConfig is the file-mode home of every credential pool.
type PoolsConfig struct {
	Cookies   []credential.Cookie         `yaml:"cookies"`
	Wasted    []credential.WastedCookie   `yaml:"wasted_cookies"`
	Keys      []credential.APIKey         `yaml:"keys"`
	CliTokens []credential.CliToken       `yaml:"cli_tokens"`
	Vertex    []credential.ServiceAccount `yaml:"vertex_credentials"`
}

// Config is one immutable snapshot. Readers hold it without locks; writers
// go through Update which clones, mutates, and publishes.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Auth           AuthConfig           `yaml:"auth"`
	Retry          RetryConfig          `yaml:"retry"`
	Claude         ClaudeConfig         `yaml:"claude"`
	Gemini         GeminiConfig         `yaml:"gemini"`
	AntiTruncation AntiTruncationConfig `yaml:"anti_truncation"`
	Storage        StorageConfig        `yaml:"storage"`
	Reconcile      ReconcileConfig      `yaml:"reconcile"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Log            LogConfig            `yaml:"log"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Pools          PoolsConfig          `yaml:"pools"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8484},
		Retry: RetryConfig{
			MaxRetries:         3,
			ForbiddenThreshold: 5,
			Mailbox:            credential.DefaultMailbox,
		},
		Claude: ClaudeConfig{Endpoint: "https://api.anthropic.com"},
		Gemini: GeminiConfig{
			Endpoint:           "https://generativelanguage.googleapis.com",
			CodeAssistEndpoint: "https://cloudcode-pa.googleapis.com",
			VertexEndpoint:     "https://aiplatform.googleapis.com",
		},
		AntiTruncation: AntiTruncationConfig{
			Sentinel:    "[done]",
			MaxAttempts: 3,
			CompletionPrompt: "When you have fully finished your answer, " +
				"end it with the literal marker [done].",
			ContinuationPrompt: "Your previous answer was cut off. Continue exactly " +
				"where it stopped, without repeating anything, and end with the literal marker [done].",
		},
		Reconcile: ReconcileConfig{
			Keys:    Duration(30 * time.Second),
			Cookies: Duration(45 * time.Second),
			Vertex:  Duration(60 * time.Second),
		},
		RateLimit: RateLimitConfig{RPS: 10, Burst: 20},
		Log:       LogConfig{Level: "info"},
	}
}

// Validate rejects snapshots the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.AntiTruncation.MaxAttempts <= 0 {
		return fmt.Errorf("anti_truncation.max_attempts must be positive")
	}
	if c.AntiTruncation.Sentinel == "" {
		return fmt.Errorf("anti_truncation.sentinel must not be empty")
	}
	return nil
}

// Clone deep-copies the snapshot for RCU updates.
func (c *Config) Clone() *Config {
	out := *c
	out.Auth.APIKeys = append([]string(nil), c.Auth.APIKeys...)
	out.Pools.Cookies = make([]credential.Cookie, 0, len(c.Pools.Cookies))
	for _, ck := range c.Pools.Cookies {
		out.Pools.Cookies = append(out.Pools.Cookies, ck.Clone())
	}
	out.Pools.Wasted = append([]credential.WastedCookie(nil), c.Pools.Wasted...)
	out.Pools.Keys = append([]credential.APIKey(nil), c.Pools.Keys...)
	out.Pools.CliTokens = append([]credential.CliToken(nil), c.Pools.CliTokens...)
	out.Pools.Vertex = append([]credential.ServiceAccount(nil), c.Pools.Vertex...)
	return &out
}
