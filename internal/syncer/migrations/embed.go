package migrations

import "embed"

// FS contains embedded SQLite migrations for sync cursor state.
//
//go:embed *.sql
var FS embed.FS
