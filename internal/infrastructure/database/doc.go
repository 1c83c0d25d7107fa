// Package database provides the SQLite connection layer used by the security
// gateway for key and denylist persistence.
//
// It wraps database/sql with directory creation, WAL pragmas, restrictive
// file permissions, a health check, and embedded schema migrations:
//
//	db, err := database.Open(database.Config{Path: cfg.Security.DatabasePath})
//	if err != nil { ... }
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS, "."); err != nil { ... }
//
// Thread Safety: the pool is limited to a single connection, matching
// SQLite's single-writer model; all methods are safe for concurrent use.
package database
