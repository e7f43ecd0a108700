// Package migrations embeds the directory service schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
