// Package migrations embeds the goose migrations of the SQL token store, one
// directory per dialect.
package migrations

import "embed"

//go:embed postgres/*.sql mysql/*.sql sqlite/*.sql
var FS embed.FS
