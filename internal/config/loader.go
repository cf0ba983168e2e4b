package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Load reads the YAML file at path (missing file falls back to defaults),
// applies environment overrides, validates, and publishes the snapshot.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			c, err = Unmarshal(data)
			if err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
			// First run: defaults plus env.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(c)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	SetPath(path)
	Publish(c)
	return c, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("RELAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := os.Getenv("RELAY_ADMIN_KEY"); v != "" {
		c.Auth.AdminKey = v
	}
	if v := os.Getenv("RELAY_API_KEYS"); v != "" {
		keys := strings.Split(v, ",")
		out := keys[:0]
		for _, k := range keys {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
		c.Auth.APIKeys = out
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RELAY_DEBUG"); v != "" {
		c.Log.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CLAUDE_ENDPOINT"); v != "" {
		c.Claude.Endpoint = v
	}
	if v := os.Getenv("GEMINI_ENDPOINT"); v != "" {
		c.Gemini.Endpoint = v
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
}
