// Package storage owns scoutcore's durable connections: PostgreSQL
// (ledger/subscriptions/error log of record), Redis (hot-path cache
// and pool registry mirror), and an embedded SQLite store private to
// the monitoring engine.
//
// Grounded on the teacher's internal/ledger.go connection setup
// (pool sizing, ping-on-boot) and cmd/seeder's pattern of exec'ing a
// schema file directly through lib/pq rather than a migration tool.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var coreSchema string

// OpenPostgres opens and pings a PostgreSQL connection pool sized for
// scoutcore's write patterns: moderate concurrency, mostly short
// statements, with occasional multi-statement transactions in the
// ledger's grant, refill and downgrade paths.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}

	return db, nil
}

// EnsureSchema applies the embedded core schema. Safe to call on every
// boot: every statement is CREATE ... IF NOT EXISTS.
func EnsureSchema(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	if _, err := db.ExecContext(ctx, coreSchema); err != nil {
		return fmt.Errorf("storage: ensure schema: %w", err)
	}
	log.Info().Msg("core schema ensured")
	return nil
}
