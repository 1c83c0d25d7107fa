// Package migrations embeds the gateway SQL schema files into the binary so
// deployments never depend on loose files.
package migrations

import "embed"

// FS holds all versioned schema migrations (NNN_description.sql).
//
//go:embed *.sql
var FS embed.FS
