// Package migrations embeds the PostgreSQL schema migrations so the binary
// and the integration tests apply exactly the same files.
package migrations

import "embed"

// FS holds the numbered up and down migrations.
//
//go:embed *.sql
var FS embed.FS
