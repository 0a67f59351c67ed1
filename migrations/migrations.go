// Package migrations embeds the PostgreSQL schema so cmd/migrate can run
// from any working directory.
package migrations

import "embed"

// FS holds every *.sql migration. Files are named NNN_name.up.sql or
// NNN_name.down.sql.
//
//go:embed *.sql
var FS embed.FS
