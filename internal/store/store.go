package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store persists API keys and admin accounts. SQLite is the default embedded
// backend; postgres and mysql are supported for deployments that already run
// a database.
type Store struct {
	db     *sqlx.DB
	driver string
}

// sqlx driver names by configured backend.
var driverNames = map[string]string{
	"sqlite":   "sqlite",
	"postgres": "pgx",
	"mysql":    "mysql",
}

// Open connects to the configured backend and runs migrations. For sqlite an
// empty DSN means in-memory, and a bare directory path is turned into a
// keygate.db file inside it.
func Open(driver, dsn string) (*Store, error) {
	name, ok := driverNames[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	if driver == "sqlite" {
		var err error
		if dsn, err = sqliteDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Connect(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate %s store: %w", driver, err)
	}
	return s, nil
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return ":memory:?_journal_mode=WAL&_txlock=immediate", nil
	}
	if filepath.Ext(path) == "" {
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
		path = filepath.Join(path, "keygate.db")
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the backend is reachable, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// lockSuffix returns the row-locking clause for SELECT statements that are
// followed by a write in the same transaction. SQLite serializes writers, so
// the immediate transaction already holds the equivalent lock.
func (s *Store) lockSuffix() string {
	if s.driver == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}
