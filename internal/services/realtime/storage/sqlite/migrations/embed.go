package migrations

import "embed"

// FS contains embedded SQLite migrations for realtime document storage.
//
//go:embed *.sql
var FS embed.FS
