// Package migrations embeds the schema migration files per vendor.
package migrations

import "embed"

//go:embed sqlite postgres mysql
var FS embed.FS
