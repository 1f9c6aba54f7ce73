// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/charitycoin/coinescrow/migrations"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// PGTest opens a test database connection, applies the goose migrations and
// returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL is used when set. Otherwise a throwaway postgres container is
// started once per test binary; if that fails (no docker) the test is skipped.
// The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		containerOnce.Do(startContainer)
		if containerErr != nil {
			t.Skipf("POSTGRES_URL not set and postgres container unavailable: %v", containerErr)
		}
		dbURL = containerURL
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}
	truncateAll(ctx, db)

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}

	return db, cleanup
}

// startContainer runs a postgres container for the lifetime of the test
// binary. The testcontainers reaper removes it when the process exits.
func startContainer() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("coinescrow_test"),
		postgres.WithUsername("coinescrow"),
		postgres.WithPassword("coinescrow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		containerErr = err
		return
	}
	containerURL, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
}

// truncateAll truncates all application tables to provide a clean slate
// between tests, then reseeds the platform pool row.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables system catalog, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables, not user input
		_, _ = db.ExecContext(ctx, stmt)                              // #nosec G104 -- best-effort cleanup in test teardown
	}
	_, _ = db.ExecContext(ctx, `INSERT INTO platform_pool (id, bonus_issued) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`)
}
