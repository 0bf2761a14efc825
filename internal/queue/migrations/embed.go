package migrations

import "embed"

// FS contains embedded SQLite migrations for the query queue.
//
//go:embed *.sql
var FS embed.FS
