// Package pg provides an optional Postgres-backed SessionStore, used when
// StoreConfig.Backend == "postgres" instead of the default file-backed
// store. Cron and Pairing stay file-backed regardless of backend: neither
// component in this repo needs a second on-disk format for them.
package pg

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// OpenDB opens a pgx-backed *sql.DB and verifies connectivity.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgx driver: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPGSessions opens a Postgres-backed SessionStore.
func NewPGSessions(cfg store.StoreConfig) (store.SessionStore, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPGSessionStore(db), nil
}
