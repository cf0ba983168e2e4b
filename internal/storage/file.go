package storage

import (
	"context"
	"errors"

	"llmrelay-go/internal/credential"
)

// ErrNotSupported marks operations that only exist in DB mode. The admin
// surface maps it to 501.
var ErrNotSupported = errors.New("operation not supported in file mode")

// FileLayer persists nothing by itself: in file mode every pool lives inside
// the config snapshot, which the actors already save through the config
// manager. Row operations therefore succeed trivially.
type FileLayer struct{}

// NewFileLayer builds the file-mode layer.
func NewFileLayer() *FileLayer { return &FileLayer{} }

func (f *FileLayer) Enabled() bool { return false }
func (f *FileLayer) Mode() string  { return "file" }

func (f *FileLayer) BootstrapConfig(context.Context) ([]byte, bool, error) { return nil, false, nil }
func (f *FileLayer) PersistConfig(context.Context, []byte) error           { return nil }

func (f *FileLayer) PersistCookie(context.Context, credential.Cookie) error       { return nil }
func (f *FileLayer) DeleteCookie(context.Context, string) error                   { return nil }
func (f *FileLayer) PersistWasted(context.Context, credential.WastedCookie) error { return nil }

func (f *FileLayer) PersistKey(context.Context, credential.APIKey) error { return nil }
func (f *FileLayer) DeleteKey(context.Context, string) error             { return nil }

func (f *FileLayer) PersistCliToken(context.Context, credential.CliToken) error { return nil }
func (f *FileLayer) DeleteCliToken(context.Context, string) error               { return nil }

func (f *FileLayer) PersistVertex(context.Context, credential.ServiceAccount) error { return nil }
func (f *FileLayer) DeleteVertex(context.Context, string) error                     { return nil }

func (f *FileLayer) ReplaceCookies(context.Context, []credential.Cookie, []credential.WastedCookie) error {
	return nil
}
func (f *FileLayer) ReplaceKeys(context.Context, []credential.APIKey) error { return nil }

func (f *FileLayer) LoadCookies(context.Context) ([]credential.Cookie, []credential.WastedCookie, error) {
	return nil, nil, nil
}
func (f *FileLayer) LoadKeys(context.Context) ([]credential.APIKey, error)           { return nil, nil }
func (f *FileLayer) LoadCliTokens(context.Context) ([]credential.CliToken, error)    { return nil, nil }
func (f *FileLayer) LoadVertex(context.Context) ([]credential.ServiceAccount, error) { return nil, nil }

func (f *FileLayer) ImportFromFile(context.Context) (BridgeReport, error) {
	return BridgeReport{}, ErrNotSupported
}
func (f *FileLayer) ExportToFile(context.Context) (BridgeReport, error) {
	return BridgeReport{}, ErrNotSupported
}

func (f *FileLayer) Status(context.Context) StatusReport {
	return StatusReport{Enabled: false, Mode: "file", Healthy: false}
}

func (f *FileLayer) Close() error { return nil }
