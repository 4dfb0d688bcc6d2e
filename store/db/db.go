// Package db creates the store driver selected by the db_spec URL.
package db

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/endl-ch/pumaduct/store"
	"github.com/endl-ch/pumaduct/store/db/postgres"
	"github.com/endl-ch/pumaduct/store/db/sqlite"
)

// NewDriver opens the database named by spec. The scheme picks the
// driver: "sqlite://<path>" or "postgres://..." (the postgres spec is
// passed to lib/pq unchanged).
func NewDriver(spec string) (store.Driver, error) {
	switch {
	case strings.HasPrefix(spec, "sqlite://"):
		return sqlite.NewDB(strings.TrimPrefix(spec, "sqlite://"))
	case strings.HasPrefix(spec, "postgres://"), strings.HasPrefix(spec, "postgresql://"):
		return postgres.NewDB(spec)
	default:
		return nil, errors.Errorf("unknown db_spec scheme in %q", spec)
	}
}
