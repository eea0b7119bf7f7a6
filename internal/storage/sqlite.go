package storage

import (
	"context"
	"database/sql"
	"fmt"

	// Blank-imported for its database/sql driver registration, matching
	// the teacher's internal/sessions/cockroach.go convention of a blank
	// driver import alongside sql.Open.
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteFacade is the embedded-SQL Facade backend, riding
// database/sql + mattn/go-sqlite3.
type SQLiteFacade struct {
	*sqlFacade
}

// OpenSQLite opens (creating if necessary) a SQLite database at path and
// runs its migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteFacade, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// SQLite serializes writers internally; a single connection avoids
	// "database is locked" errors under concurrent AppendEvent calls.
	db.SetMaxOpenConns(1)

	f := &SQLiteFacade{sqlFacade: newSQLFacade(db, "sqlite")}
	if err := f.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return f, nil
}

// Close releases the underlying database handle.
func (f *SQLiteFacade) Close() error { return f.db.Close() }

var _ Facade = (*SQLiteFacade)(nil)
