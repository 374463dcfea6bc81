// Package migrations holds the Postgres schema, applied in file-name order.
package migrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
