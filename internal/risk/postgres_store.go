package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/chatshield/internal/patterns"
)

// PostgresScoreStore persists risk scores in PostgreSQL. Update holds a row
// lock for the read-modify-write.
type PostgresScoreStore struct {
	db *sql.DB
}

// NewPostgresScoreStore creates a PostgreSQL-backed score store.
func NewPostgresScoreStore(db *sql.DB) *PostgresScoreStore {
	return &PostgresScoreStore{db: db}
}

func (s *PostgresScoreStore) Get(ctx context.Context, userID string) (*UserRiskScore, error) {
	rec, err := scanScore(s.db.QueryRowContext(ctx, `
		SELECT user_id, score, status, last_updated_at
		FROM risk_scores WHERE user_id = $1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk score: %w", err)
	}
	return rec, nil
}

func (s *PostgresScoreStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*UserRiskScore, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Materialize the row so FOR UPDATE has something to lock on first use.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO risk_scores (user_id, score, status, last_updated_at)
		VALUES ($1, 0, 'NORMAL', NULL)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to init risk score: %w", err)
	}
	created, _ := res.RowsAffected()

	rec, err := scanScore(tx.QueryRowContext(ctx, `
		SELECT user_id, score, status, last_updated_at
		FROM risk_scores WHERE user_id = $1
		FOR UPDATE
	`, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock risk score: %w", err)
	}

	cur := rec
	if created == 1 || rec.LastUpdatedAt.IsZero() {
		cur = nil
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE risk_scores SET score = $2, status = $3, last_updated_at = $4
		WHERE user_id = $1
	`, userID, next.Score, string(next.Status), next.LastUpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update risk score: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit risk score: %w", err)
	}
	return next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScore(row rowScanner) (*UserRiskScore, error) {
	var (
		rec     UserRiskScore
		status  string
		updated sql.NullTime
	)
	if err := row.Scan(&rec.UserID, &rec.Score, &status, &updated); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if updated.Valid {
		rec.LastUpdatedAt = updated.Time.UTC()
	}
	return &rec, nil
}

// PostgresSignalStore persists risk signals in PostgreSQL.
type PostgresSignalStore struct {
	db *sql.DB
}

// NewPostgresSignalStore creates a PostgreSQL-backed signal store.
func NewPostgresSignalStore(db *sql.DB) *PostgresSignalStore {
	return &PostgresSignalStore{db: db}
}

func (s *PostgresSignalStore) Record(ctx context.Context, signal *RiskSignal) error {
	matched := signal.MatchedPatterns
	if matched == nil {
		matched = []patterns.Match{}
	}
	matchedJSON, err := json.Marshal(matched)
	if err != nil {
		return fmt.Errorf("failed to marshal matched patterns: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_signals (id, message_id, user_id, pattern_set_version, matched_patterns, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		signal.ID,
		signal.MessageID,
		signal.UserID,
		signal.PatternSetVersion,
		matchedJSON,
		signal.Severity,
		signal.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk signal: %w", err)
	}
	return nil
}

func (s *PostgresSignalStore) ListByUser(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*RiskSignal, error) {
	o := applyListOpts(opts)

	var (
		rows *sql.Rows
		err  error
	)
	if o.cursor != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, message_id, user_id, pattern_set_version, matched_patterns, severity, created_at
			FROM risk_signals
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, userID, o.cursor.CreatedAt, o.cursor.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, message_id, user_id, pattern_set_version, matched_patterns, severity, created_at
			FROM risk_signals
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list risk signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*RiskSignal
	for rows.Next() {
		var (
			sig         RiskSignal
			matchedJSON []byte
			createdAt   time.Time
		)
		if err := rows.Scan(&sig.ID, &sig.MessageID, &sig.UserID, &sig.PatternSetVersion,
			&matchedJSON, &sig.Severity, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk signal: %w", err)
		}
		sig.CreatedAt = createdAt.UTC()
		if err := json.Unmarshal(matchedJSON, &sig.MatchedPatterns); err != nil {
			return nil, fmt.Errorf("failed to decode matched patterns: %w", err)
		}
		result = append(result, &sig)
	}
	return result, rows.Err()
}
