// Package migrations contains the embedded schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
