//go:build integration

package containers

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"efiling/internal/platform/config"
	"efiling/internal/platform/postgres"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// PostgresDB returns a handle to a shared, migrated PostgreSQL container.
// The container starts once per test binary; the handle is closed via t.Cleanup.
func PostgresDB(t *testing.T) (*sql.DB, string) {
	t.Helper()

	pgOnce.Do(func() {
		pgDSN, pgErr = startPostgres()
	})
	if pgErr != nil {
		t.Fatalf("failed to setup postgres: %v", pgErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := postgres.Open(ctx, config.DatabaseConfig{
		DSN:             pgDSN,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, pgDSN
}

func startPostgres() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:17-alpine",
		tcpostgres.WithDatabase("efiling"),
		tcpostgres.WithUsername("efiling"),
		tcpostgres.WithPassword("efiling"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", err
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return "", err
	}
	defer db.Close()
	if _, err := postgres.Migrate(ctx, db); err != nil {
		return "", err
	}
	return dsn, nil
}

// Truncate clears every workflow table between tests.
func Truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`TRUNCATE outbox, audit_events, submissions, verification_sessions, filing_transitions, filings RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}
