package storage

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"llmrelay-go/internal/config"
	"llmrelay-go/internal/credential"
)

// ImportFromFile pushes the on-disk config pools into the DB tables and
// mirrors the config blob itself.
func (l *DBLayer) ImportFromFile(ctx context.Context) (BridgeReport, error) {
	snap := config.Snapshot()
	report := BridgeReport{
		Cookies:   len(snap.Pools.Cookies),
		Wasted:    len(snap.Pools.Wasted),
		Keys:      len(snap.Pools.Keys),
		CliTokens: len(snap.Pools.CliTokens),
		Vertex:    len(snap.Pools.Vertex),
	}

	if err := l.ReplaceCookies(ctx, snap.Pools.Cookies, snap.Pools.Wasted); err != nil {
		return report, err
	}
	if err := l.ReplaceKeys(ctx, snap.Pools.Keys); err != nil {
		return report, err
	}
	for _, t := range snap.Pools.CliTokens {
		if err := l.PersistCliToken(ctx, t); err != nil {
			return report, err
		}
	}
	for _, s := range snap.Pools.Vertex {
		if err := l.PersistVertex(ctx, s); err != nil {
			return report, err
		}
	}

	data, err := config.Marshal(snap)
	if err != nil {
		return report, fmt.Errorf("marshal config for import: %w", err)
	}
	if err := l.PersistConfig(ctx, data); err != nil {
		return report, err
	}
	log.Infof("storage: imported %d cookies, %d keys, %d tokens, %d service accounts",
		report.Cookies, report.Keys, report.CliTokens, report.Vertex)
	return report, nil
}

// ExportToFile reads every DB table back into the config snapshot and saves
// the file. Round-trips with ImportFromFile.
func (l *DBLayer) ExportToFile(ctx context.Context) (BridgeReport, error) {
	cookies, wasted, err := l.LoadCookies(ctx)
	if err != nil {
		return BridgeReport{}, err
	}
	keys, err := l.LoadKeys(ctx)
	if err != nil {
		return BridgeReport{}, err
	}
	tokens, err := l.LoadCliTokens(ctx)
	if err != nil {
		return BridgeReport{}, err
	}
	vertex, err := l.LoadVertex(ctx)
	if err != nil {
		return BridgeReport{}, err
	}

	config.Update(func(c *config.Config) {
		c.Pools.Cookies = cookies
		c.Pools.Wasted = wasted
		c.Pools.Keys = keys
		c.Pools.CliTokens = tokens
		c.Pools.Vertex = vertex
	})
	if err := config.Save(ctx); err != nil {
		return BridgeReport{}, fmt.Errorf("write config file: %w", err)
	}

	report := BridgeReport{
		Cookies:   len(cookies),
		Wasted:    len(wasted),
		Keys:      len(keys),
		CliTokens: len(tokens),
		Vertex:    len(vertex),
	}
	log.Infof("storage: exported %d cookies, %d keys, %d tokens, %d service accounts",
		report.Cookies, report.Keys, report.CliTokens, report.Vertex)
	return report, nil
}

// Open picks the layer from the snapshot: DB when a database URL is set,
// otherwise the file no-op layer.
func Open(ctx context.Context, cfg *config.Config) (Layer, error) {
	if cfg.Storage.DatabaseURL == "" {
		return NewFileLayer(), nil
	}
	return OpenDB(ctx, cfg.Storage.DatabaseURL)
}

// Seed merges DB rows over the file pools at startup so actors begin from
// the durable state. File mode returns the config pools unchanged.
func Seed(ctx context.Context, layer Layer, cfg *config.Config) (
	cookies []credential.Cookie, wasted []credential.WastedCookie,
	keys []credential.APIKey, tokens []credential.CliToken,
	vertex []credential.ServiceAccount, err error,
) {
	cookies = cfg.Pools.Cookies
	wasted = cfg.Pools.Wasted
	keys = cfg.Pools.Keys
	tokens = cfg.Pools.CliTokens
	vertex = cfg.Pools.Vertex
	if !layer.Enabled() {
		return
	}

	if dbCookies, dbWasted, loadErr := layer.LoadCookies(ctx); loadErr == nil {
		cookies = mergeByKey(cookies, dbCookies)
		wasted = mergeByKey(wasted, dbWasted)
	} else {
		err = loadErr
		return
	}
	if dbKeys, loadErr := layer.LoadKeys(ctx); loadErr == nil {
		keys = mergeByKey(keys, dbKeys)
	} else {
		err = loadErr
		return
	}
	if dbTokens, loadErr := layer.LoadCliTokens(ctx); loadErr == nil {
		tokens = mergeByKey(tokens, dbTokens)
	} else {
		err = loadErr
		return
	}
	if dbVertex, loadErr := layer.LoadVertex(ctx); loadErr == nil {
		vertex = mergeByKey(vertex, dbVertex)
	} else {
		err = loadErr
	}
	return
}

// mergeByKey overlays DB entries onto file entries, DB winning on conflicts.
func mergeByKey[T credential.Entry](file, db []T) []T {
	seen := make(map[string]int, len(file))
	out := make([]T, 0, len(file)+len(db))
	for _, e := range file {
		seen[e.PrimaryKey()] = len(out)
		out = append(out, e)
	}
	for _, e := range db {
		if i, ok := seen[e.PrimaryKey()]; ok {
			out[i] = e
			continue
		}
		out = append(out, e)
	}
	return out
}
