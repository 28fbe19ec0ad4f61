// Package migrations embeds the goose SQL migration files for pgdriver.
// Grounded on udisondev-la2go/internal/db/migrations's embed.FS pattern.
package migrations

import "embed"

// FS holds the embedded *.sql migration files.
//
//go:embed *.sql
var FS embed.FS
