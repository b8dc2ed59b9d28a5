package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mbd888/chatshield/internal/logging"
	"github.com/mbd888/chatshield/internal/rollup"
)

type rollupFlags struct {
	granularity string
	from        string
	to          string
	start       string
	parallelism int
}

func newRollupCmd() *cobra.Command {
	f := &rollupFlags{}
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Compute and verify window summaries against the Postgres event log",
	}
	cmd.PersistentFlags().StringVar(&f.granularity, "granularity", "hourly", "window size: hourly or daily")

	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Compute every closed window starting in [from, to)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd, f)
		},
	}
	backfill.Flags().StringVar(&f.from, "from", "", "first window start, RFC 3339 (required)")
	backfill.Flags().StringVar(&f.to, "to", "", "exclusive end, RFC 3339 (default now)")
	backfill.Flags().IntVar(&f.parallelism, "parallelism", 4, "windows computed concurrently")
	_ = backfill.MarkFlagRequired("from")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Recompute a stored window and compare digests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, f)
		},
	}
	verify.Flags().StringVar(&f.start, "start", "", "window start, RFC 3339 (required)")
	_ = verify.MarkFlagRequired("start")

	cmd.AddCommand(backfill, verify)
	return cmd
}

// backfillRange parses the flags into a granularity and range.
func backfillRange(f *rollupFlags, now time.Time) (rollup.Granularity, time.Time, time.Time, error) {
	g, err := rollup.ParseGranularity(f.granularity)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	from, err := time.Parse(time.RFC3339, f.from)
	if err != nil {
		return "", time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
	}
	to := now
	if f.to != "" {
		if to, err = time.Parse(time.RFC3339, f.to); err != nil {
			return "", time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
		}
	}
	return g, from.UTC(), to.UTC(), nil
}

// openRunner connects to DATABASE_URL (and REDIS_URL for claims when set).
func openRunner(ctx context.Context, parallelism int) (*rollup.Runner, func(), error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, nil, errors.New("DATABASE_URL environment variable is required")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	closers := []func(){func() { _ = db.Close() }}

	var claims rollup.ClaimStore = rollup.NewPostgresClaimStore(db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		claims = rollup.NewRedisClaimStore(client, "")
		closers = append(closers, func() { _ = client.Close() })
	}

	runner := rollup.NewRunner(
		rollup.NewPostgresEventLog(db),
		rollup.NewPostgresSummaryStore(db),
		claims,
		rollup.WithParallelism(parallelism),
		rollup.WithRunnerLogger(logging.New(os.Getenv("LOG_LEVEL"), "text")),
	)
	return runner, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

func runBackfill(cmd *cobra.Command, f *rollupFlags) error {
	g, from, to, err := backfillRange(f, time.Now())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	runner, closeFn, err := openRunner(ctx, f.parallelism)
	if err != nil {
		return err
	}
	defer closeFn()

	results, err := runner.Backfill(ctx, g, from, to)
	printResults(cmd, results)
	return err
}

func printResults(cmd *cobra.Command, results []*rollup.Result) {
	out := cmd.OutOrStdout()
	counts := make(map[rollup.Outcome]int)
	for _, r := range results {
		counts[r.Outcome]++
		line := fmt.Sprintf("%-32s %-9s", r.Window.Key(), r.Outcome)
		if r.Summary != nil {
			line += fmt.Sprintf(" events=%-6d digest=%s", r.Summary.TotalEvents, r.Summary.Digest[:12])
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "%d windows: %d computed, %d skipped, %d claimed elsewhere\n",
		len(results), counts[rollup.OutcomeComputed], counts[rollup.OutcomeSkipped], counts[rollup.OutcomeClaimed])
}

func runVerify(cmd *cobra.Command, f *rollupFlags) error {
	g, err := rollup.ParseGranularity(f.granularity)
	if err != nil {
		return err
	}
	start, err := time.Parse(time.RFC3339, f.start)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	w, err := rollup.NewWindow(g, start.UTC())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	runner, closeFn, err := openRunner(ctx, 1)
	if err != nil {
		return err
	}
	defer closeFn()

	s, err := runner.Verify(ctx, w)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK %s events=%d digest=%s\n", w.Key(), s.TotalEvents, s.Digest)
	return nil
}
