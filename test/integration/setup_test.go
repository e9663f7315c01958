//go:build integration

// Package integration runs the Postgres record store against a real server.
// Set KIOSK_TEST_DATABASE_URL to use an existing database; otherwise a
// container is started with Docker. Run with: go test -tags integration ./test/integration/
package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KristersR123/HospitalKiosk-sub000/internal/platform/db"
	"github.com/KristersR123/HospitalKiosk-sub000/migrations"
)

var errDockerUnavailable = errors.New("docker not found in PATH")

// connStr is the admin connection string shared by every test.
var connStr string

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr = os.Getenv("KIOSK_TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if errors.Is(err, errDockerUnavailable) {
			fmt.Fprintln(os.Stderr, "skipping integration tests: no KIOSK_TEST_DATABASE_URL and no docker")
			os.Exit(0)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

// newSchema migrates a fresh schema and returns a pool whose connections
// resolve unqualified table names to it. The schema is dropped on cleanup.
func newSchema(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	schema := "kiosk_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	admin, err := db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 4, ApplicationName: "kiosk-it"})
	if err != nil {
		t.Fatalf("admin pool: %v", err)
	}
	if _, err := db.NewMigrator(admin, migrations.FS).Up(ctx, schema); err != nil {
		admin.Close()
		t.Fatalf("migrate %s: %v", schema, err)
	}

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatal(err)
	}
	cfg.MaxConns = 16
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("schema pool: %v", err)
	}

	t.Cleanup(func() {
		pool.Close()
		if _, err := admin.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE"); err != nil {
			t.Logf("warning: drop schema %s: %v", schema, err)
		}
		admin.Close()
	})
	return pool
}
