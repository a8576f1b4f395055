// Package migrations embeds the SQL for the postgres ledger backend.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
