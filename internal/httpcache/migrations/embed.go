// Package migrations embeds the response cache schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
