// Package migrations embeds the SQL schema migrations so the server binary
// carries its own schema and never depends on a working-directory path.
package migrations

import "embed"

//go:embed *.up.sql
var Files embed.FS
