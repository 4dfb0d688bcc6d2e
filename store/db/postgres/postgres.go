// Package postgres implements the store driver on lib/pq.
package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/endl-ch/pumaduct/store"
)

type DB struct {
	db *sql.DB
}

// NewDB opens a connection pool for the given postgres:// DSN.
func NewDB(dsn string) (store.Driver, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	pgDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if err := pgDB.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	return &DB{db: pgDB}, nil
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
			id BIGSERIAL PRIMARY KEY,
			"user" TEXT NOT NULL,
			network TEXT NOT NULL,
			ext_user TEXT NOT NULL,
			password TEXT NOT NULL,
			auth_token TEXT,
			UNIQUE (network, ext_user)
		)`,
		`CREATE TABLE IF NOT EXISTS pumaduct_message (
			id BIGSERIAL PRIMARY KEY,
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
