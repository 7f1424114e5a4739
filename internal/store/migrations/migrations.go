// Package migrations embeds the sqlite schema applied by goose on startup.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
