package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	current  atomic.Pointer[Config]
	pathMu   sync.Mutex
	filePath string

	// persistFn mirrors the snapshot into the DB config row when DB mode is
	// on. Installed by main after the storage layer opens.
	persistFn atomic.Pointer[func(context.Context, []byte) error]
)

func init() {
	current.Store(Default())
}

// Snapshot returns the current immutable snapshot. Callers must not mutate it.
func Snapshot() *Config {
	return current.Load()
}

// Publish installs a new snapshot. Readers holding the old one keep a valid view.
func Publish(c *Config) {
	current.Store(c)
}

// Update clones the current snapshot, applies mut, publishes the result, and
// returns it.
func Update(mut func(*Config)) *Config {
	for {
		old := current.Load()
		next := old.Clone()
		mut(next)
		if current.CompareAndSwap(old, next) {
			return next
		}
	}
}

// SetPath records where Save writes the YAML snapshot.
func SetPath(p string) {
	pathMu.Lock()
	defer pathMu.Unlock()
	filePath = p
}

// Path returns the configured file location.
func Path() string {
	pathMu.Lock()
	defer pathMu.Unlock()
	return filePath
}

// SetPersistFunc installs the DB mirror for Save.
func SetPersistFunc(fn func(context.Context, []byte) error) {
	persistFn.Store(&fn)
}

// Marshal serializes a snapshot the way Save writes it.
func Marshal(c *Config) ([]byte, error) {
	return yaml.Marshal(c)
}

// Unmarshal parses a serialized snapshot.
func Unmarshal(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// Save writes the current snapshot to the config file and, when installed,
// mirrors it into the DB config row.
func Save(ctx context.Context) error {
	snap := Snapshot()
	data, err := Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	p := Path()
	if p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		tmp := p + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		if err := os.Rename(tmp, p); err != nil {
			return fmt.Errorf("replace config: %w", err)
		}
	}

	if fn := persistFn.Load(); fn != nil {
		if err := (*fn)(ctx, data); err != nil {
			return fmt.Errorf("persist config: %w", err)
		}
	}
	return nil
}

// SaveAsync kicks off Save as a detached task, the shape every actor uses
// after mutating its pool slice of the snapshot.
func SaveAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := Save(ctx); err != nil {
			log.WithError(err).Error("config save failed")
		}
	}()
}
