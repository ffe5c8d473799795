package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed monitoring_schema.sql
var monitoringSchema string

// OpenMonitoringStore opens the embedded SQLite database private to
// the Monitoring Engine, per spec §4.7 ("embedded relational store
// within the engine's durable scope"), distinct from the PostgreSQL
// instance backing the ledger. path may be ":memory:" for tests.
func OpenMonitoringStore(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("storage: open monitoring store: %w", err)
	}
	// SQLite allows only one writer; a single connection avoids
	// SQLITE_BUSY under the monitoring engine's serialized actor model.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("storage: ping monitoring store: %w", err)
	}
	if _, err := db.ExecContext(ctx, monitoringSchema); err != nil {
		return nil, fmt.Errorf("storage: ensure monitoring schema: %w", err)
	}

	return db, nil
}
