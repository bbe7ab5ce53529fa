// Package database opens the SQLite file backing the device journal and
// applies schema migrations.
//
// Connections run with a busy timeout, foreign keys on and, when enabled,
// WAL journaling. The pool is capped at one connection because SQLite has a
// single writer. The file is created with 0600 permissions.
//
// Migrations are read from an fs.FS, normally the embedded
// migrations.FS:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive. New columns must be nullable or carry a default.
package database
