// Package migrations embeds the PostgreSQL schema migrations.
package migrations

import "embed"

// FS holds the versioned up and down scripts.
//
//go:embed *.sql
var FS embed.FS
