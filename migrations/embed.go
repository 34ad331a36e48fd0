// Package migrations embeds the numbered SQL schema files applied by
// "audit-server migrate up".
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
