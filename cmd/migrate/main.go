// Command migrate manages the chatshield Postgres schema.
//
// Usage:
//
//	migrate up               # apply all pending migrations
//	migrate up-to 1          # apply migrations up to version 1
//	migrate down             # roll back the last migration
//	migrate down-to 0        # roll back to version 0
//	migrate redo             # roll back and re-apply the last migration
//	migrate status           # list migrations and whether they are applied
//	migrate version          # print the current schema version
//
// DATABASE_URL selects the database; --dir or MIGRATIONS_DIR overrides ./migrations.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/chatshield/internal/logging"
)

const defaultMigrationsDir = "migrations"

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	dbURL   string
	dir     string
	timeout time.Duration
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or inspect the chatshield Postgres schema",
		SilenceUsage: true,
	}
	root.SetOut(out)
	f := root.PersistentFlags()
	f.StringVar(&opts.dbURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
	f.StringVar(&opts.dir, "dir", envOr("MIGRATIONS_DIR", defaultMigrationsDir), "migrations directory")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "overall deadline")

	results := func(name, short string, run func(context.Context, *goose.Provider) ([]*goose.MigrationResult, error)) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.with(cmd, func(ctx context.Context, p *goose.Provider) error {
					res, err := run(ctx, p)
					report(cmd, res)
					return err
				})
			},
		}
	}
	versioned := func(name, short string, run func(context.Context, *goose.Provider, int64) ([]*goose.MigrationResult, error)) *cobra.Command {
		return &cobra.Command{
			Use:   name + " <version>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || v < 0 {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return opts.with(cmd, func(ctx context.Context, p *goose.Provider) error {
					res, err := run(ctx, p, v)
					report(cmd, res)
					return err
				})
			},
		}
	}

	root.AddCommand(
		results("up", "Apply all pending migrations", func(ctx context.Context, p *goose.Provider) ([]*goose.MigrationResult, error) {
			return p.Up(ctx)
		}),
		results("down", "Roll back the last migration", func(ctx context.Context, p *goose.Provider) ([]*goose.MigrationResult, error) {
			return single(p.Down(ctx))
		}),
		results("redo", "Roll back and re-apply the last migration", func(ctx context.Context, p *goose.Provider) ([]*goose.MigrationResult, error) {
			down, err := p.Down(ctx)
			if err != nil {
				return single(down, err)
			}
			up, err := p.UpByOne(ctx)
			return append([]*goose.MigrationResult{down}, nonNil(up)...), err
		}),
		versioned("up-to", "Apply migrations up to and including a version", func(ctx context.Context, p *goose.Provider, v int64) ([]*goose.MigrationResult, error) {
			return p.UpTo(ctx, v)
		}),
		versioned("down-to", "Roll back migrations above a version", func(ctx context.Context, p *goose.Provider, v int64) ([]*goose.MigrationResult, error) {
			return p.DownTo(ctx, v)
		}),
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.with(cmd, func(ctx context.Context, p *goose.Provider) error {
					statuses, err := p.Status(ctx)
					if err != nil {
						return err
					}
					for _, s := range statuses {
						applied := "pending"
						if s.State == goose.StateApplied {
							applied = s.AppliedAt.UTC().Format(time.RFC3339)
						}
						cmd.Printf("%5d  %-24s  %s\n", s.Source.Version, applied, s.Source.Path)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.with(cmd, func(ctx context.Context, p *goose.Provider) error {
					v, err := p.GetDBVersion(ctx)
					if err != nil {
						return err
					}
					cmd.Println(v)
					return nil
				})
			},
		},
	)
	return root
}

// with opens the database, builds a goose provider over the migrations
// directory and runs fn under the command deadline.
func (o *options) with(cmd *cobra.Command, fn func(context.Context, *goose.Provider) error) error {
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")
	if o.dbURL == "" {
		return errors.New("DATABASE_URL or --database-url is required")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	db, err := sql.Open("postgres", o.dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(o.dir))
	if err != nil {
		return fmt.Errorf("load migrations from %s: %w", o.dir, err)
	}

	start := time.Now()
	if err := fn(ctx, provider); err != nil {
		logger.Error("migration failed", "command", cmd.Name(), "dir", o.dir, "error", err)
		return err
	}
	logger.Info("migration complete", "command", cmd.Name(), slog.Duration("took", time.Since(start)))
	return nil
}

func report(cmd *cobra.Command, results []*goose.MigrationResult) {
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		state := "OK"
		if r.Error != nil {
			state = "FAILED: " + r.Error.Error()
		}
		cmd.Printf("%-4s %5d  %-28s %8s  %s\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration.Round(time.Millisecond), state)
	}
}

func single(r *goose.MigrationResult, err error) ([]*goose.MigrationResult, error) {
	return nonNil(r), err
}

func nonNil(r *goose.MigrationResult) []*goose.MigrationResult {
	if r == nil {
		return nil
	}
	return []*goose.MigrationResult{r}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
