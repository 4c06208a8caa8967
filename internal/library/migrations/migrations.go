// Package migrations embeds the library schema for goose.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
