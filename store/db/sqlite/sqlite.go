// Package sqlite implements the store driver on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/endl-ch/pumaduct/store"
)

type DB struct {
	db *sql.DB
}

// NewDB opens the SQLite database at path.
//
// Pragmas follow the usual WAL setup; with the modernc.org/sqlite
// driver each pragma is passed as `_pragma=`. A single connection is
// optimal under WAL and matches the bridge's main-loop-only access.
func NewDB(path string) (store.Driver, error) {
	if path == "" {
		return nil, errors.New("db path required")
	}
	sqliteDB, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db %s", path)
	}
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)
	return &DB{db: sqliteDB}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pumaduct_account (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user TEXT NOT NULL,
			network TEXT NOT NULL,
			ext_user TEXT NOT NULL,
			password TEXT NOT NULL,
			auth_token TEXT,
			UNIQUE (network, ext_user)
		)`,
		`CREATE TABLE IF NOT EXISTS pumaduct_message (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			network TEXT,
			ext_user TEXT,
			room_id TEXT,
			sender TEXT NOT NULL,
			recipient TEXT,
			destination TEXT NOT NULL CHECK (destination IN ('client', 'matrix')),
			time BIGINT NOT NULL,
			payload TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate")
		}
	}
	return nil
}
