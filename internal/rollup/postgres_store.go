package rollup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresEventLog stores events in PostgreSQL. The migration installs a
// trigger that rejects UPDATE and DELETE on the table.
type PostgresEventLog struct {
	db *sql.DB
}

// NewPostgresEventLog creates a PostgreSQL-backed event log.
func NewPostgresEventLog(db *sql.DB) *PostgresEventLog {
	return &PostgresEventLog{db: db}
}

// Append inserts events in one transaction. Duplicate ids are ignored.
func (l *PostgresEventLog) Append(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rollup_events (id, kind, category, amount, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Kind, e.Category, e.Amount, e.OccurredAt.UTC()); err != nil {
			return fmt.Errorf("failed to append event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// Scan streams events in [start, end) ordered by time then id.
func (l *PostgresEventLog) Scan(ctx context.Context, start, end time.Time, fn func(Event) error) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, kind, category, amount, occurred_at
		FROM rollup_events
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at, id
	`, start.UTC(), end.UTC())
	if err != nil {
		return fmt.Errorf("failed to scan events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Category, &e.Amount, &e.OccurredAt); err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		e.OccurredAt = e.OccurredAt.UTC()
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PostgresSummaryStore stores summaries with their canonical bytes.
type PostgresSummaryStore struct {
	db *sql.DB
}

// NewPostgresSummaryStore creates a PostgreSQL-backed summary store.
func NewPostgresSummaryStore(db *sql.DB) *PostgresSummaryStore {
	return &PostgresSummaryStore{db: db}
}

func (s *PostgresSummaryStore) PutOnce(ctx context.Context, sum *Summary) error {
	canonical, err := sum.Canonical()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rollup_summaries
			(granularity, window_start, window_end, total_events, canonical, digest, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (granularity, window_start) DO NOTHING
	`, string(sum.Granularity), sum.WindowStart.UTC(), sum.WindowEnd.UTC(), sum.TotalEvents,
		canonical, sum.Digest, sum.ComputedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var stored string
	if err := s.db.QueryRowContext(ctx, `
		SELECT digest FROM rollup_summaries WHERE granularity = $1 AND window_start = $2
	`, string(sum.Granularity), sum.WindowStart.UTC()).Scan(&stored); err != nil {
		return fmt.Errorf("failed to read existing summary: %w", err)
	}
	if stored != sum.Digest {
		return ErrSummaryMismatch
	}
	return nil
}

func (s *PostgresSummaryStore) Get(ctx context.Context, g Granularity, start time.Time) (*Summary, error) {
	sum, err := scanSummary(s.db.QueryRowContext(ctx, `
		SELECT canonical, digest, computed_at
		FROM rollup_summaries WHERE granularity = $1 AND window_start = $2
	`, string(g), start.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sum, err
}

func (s *PostgresSummaryStore) List(ctx context.Context, g Granularity, from, to time.Time) ([]*Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT canonical, digest, computed_at
		FROM rollup_summaries
		WHERE granularity = $1 AND window_start >= $2 AND window_start < $3
		ORDER BY window_start
	`, string(g), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSummary rebuilds a Summary from its stored canonical bytes so reads
// return exactly what was digested.
func scanSummary(row rowScanner) (*Summary, error) {
	var (
		canonical  []byte
		digestHex  string
		computedAt time.Time
	)
	if err := row.Scan(&canonical, &digestHex, &computedAt); err != nil {
		return nil, err
	}
	var c canonicalSummary
	if err := json.Unmarshal(canonical, &c); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	start, err := time.Parse(time.RFC3339, c.WindowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to decode summary start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, c.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to decode summary end: %w", err)
	}
	return &Summary{
		Granularity: c.Granularity,
		WindowStart: start.UTC(),
		WindowEnd:   end.UTC(),
		TotalEvents: c.TotalEvents,
		Buckets:     c.Buckets,
		Digest:      digestHex,
		ComputedAt:  computedAt.UTC(),
	}, nil
}

// PostgresClaimStore implements ClaimStore with an upsert that only takes
// over expired claims.
type PostgresClaimStore struct {
	db *sql.DB
}

// NewPostgresClaimStore creates a PostgreSQL-backed claim store.
func NewPostgresClaimStore(db *sql.DB) *PostgresClaimStore {
	return &PostgresClaimStore{db: db}
}

func (s *PostgresClaimStore) TryClaim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rollup_claims (claim_key, owner, expires_at)
		VALUES ($1, $2, NOW() + ($3::double precision * INTERVAL '1 millisecond'))
		ON CONFLICT (claim_key) DO UPDATE
			SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
			WHERE rollup_claims.expires_at <= NOW() OR rollup_claims.owner = EXCLUDED.owner
	`, key, owner, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, pqDetail(err))
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresClaimStore) Release(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rollup_claims WHERE claim_key = $1 AND owner = $2`, key, owner)
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// pqDetail appends the server detail line when present.
func pqDetail(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Detail != "" {
		return fmt.Errorf("%w (%s)", err, pqErr.Detail)
	}
	return err
}
