// Package migrations carries the ledger schema
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
