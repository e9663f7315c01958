// Package migrations embeds the SQL schema applied by the migrate command.
package migrations

import "embed"

// FS holds every NNN_description.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
