package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var pgContainer = &container{
	name: "postgres",
	start: func(ctx context.Context) (string, error) {
		ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("chatshield"),
			tcpostgres.WithUsername("chatshield"),
			tcpostgres.WithPassword("chatshield"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			if ctr != nil {
				_ = testcontainers.TerminateContainer(ctr)
			}
			return "", err
		}
		return ctr.ConnectionString(ctx, "sslmode=disable")
	},
}

// Postgres returns a migrated database with every application table empty.
// Tables are truncated again when the test ends.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", target(t, "POSTGRES_URL", pgContainer))
	if err != nil {
		t.Fatalf("testutil: open database: %v", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("testutil: connect to database: %v", err)
	}
	if err := Migrate(ctx, db, migrationsDir(t)); err != nil {
		_ = db.Close()
		t.Fatalf("testutil: run migrations: %v", err)
	}
	if err := truncate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("testutil: truncate: %v", err)
	}

	t.Cleanup(func() {
		if err := truncate(context.Background(), db); err != nil {
			t.Logf("testutil: truncate on cleanup: %v", err)
		}
		_ = db.Close()
	})
	return db
}

// Migrate applies every pending goose migration in dir. Test binaries for
// different packages share one database, so the run holds a Postgres
// advisory lock.
func Migrate(ctx context.Context, db *sql.DB, dir string) error {
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(dir),
		goose.WithSessionLocker(locker))
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// migrationsDir finds the repository's migrations/ directory above the
// package under test.
func migrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("testutil: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("testutil: no migrations/ directory above %s", dir)
		}
		dir = parent
	}
}

// truncate empties every table in the public schema except goose's
// version table, so migrations stay applied between tests.
func truncate(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		tables = append(tables, pq.QuoteIdentifier(name))
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if len(tables) == 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s CASCADE", strings.Join(tables, ", "))); err != nil {
		return err
	}
	return nil
}
