// Package risk maintains a decaying per-user risk score fed by pattern
// matches and derives an enforcement status from it.
//
// The score lives in [0, 100]. Each recorded signal first applies decay for
// the whole idle days since the last update, then adds the signal severity.
// Status is a pure function of the score against the configured Policy.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/chatshield/internal/pagination"
	"github.com/mbd888/chatshield/internal/patterns"
)

// Status is the enforcement status derived from a score.
type Status string

const (
	StatusNormal     Status = "NORMAL"
	StatusWarned     Status = "WARNED"
	StatusRestricted Status = "RESTRICTED"
	StatusBlocked    Status = "BLOCKED"
)

// ParseStatus converts a configuration string into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusNormal, StatusWarned, StatusRestricted, StatusBlocked:
		return st, nil
	}
	return "", fmt.Errorf("risk: unknown status %q", s)
}

// MaxScore is the score ceiling.
const MaxScore = 100

var (
	ErrNotFound         = errors.New("risk: not found")
	ErrInvalidInput     = errors.New("risk: invalid input")
	ErrStoreUnavailable = errors.New("risk: score store unavailable")
	ErrConflict         = errors.New("risk: concurrent update conflict")
)

// Policy holds the thresholds and decay rate.
type Policy struct {
	WarnAt      int `json:"warnAt"`
	RestrictAt  int `json:"restrictAt"`
	BlockAt     int `json:"blockAt"`
	DecayPerDay int `json:"decayPerDay"`
}

// DefaultPolicy returns the stock thresholds (30/60/80) and 5 points of
// decay per idle day.
func DefaultPolicy() Policy {
	return Policy{WarnAt: 30, RestrictAt: 60, BlockAt: 80, DecayPerDay: 5}
}

// Validate checks 0 < warn <= restrict <= block <= 100 and decay >= 0.
func (p Policy) Validate() error {
	if p.WarnAt <= 0 || p.WarnAt > p.RestrictAt || p.RestrictAt > p.BlockAt || p.BlockAt > MaxScore {
		return fmt.Errorf("%w: thresholds %d/%d/%d out of order", ErrInvalidInput, p.WarnAt, p.RestrictAt, p.BlockAt)
	}
	if p.DecayPerDay < 0 {
		return fmt.Errorf("%w: negative decay", ErrInvalidInput)
	}
	return nil
}

// StatusFor maps a score to its status.
func (p Policy) StatusFor(score int) Status {
	switch {
	case score >= p.BlockAt:
		return StatusBlocked
	case score >= p.RestrictAt:
		return StatusRestricted
	case score >= p.WarnAt:
		return StatusWarned
	default:
		return StatusNormal
	}
}

// Decay returns score reduced by DecayPerDay for each whole day between
// last and now, floored at 0. A clock that moved backwards decays nothing.
func (p Policy) Decay(score int, last, now time.Time) int {
	if p.DecayPerDay == 0 || last.IsZero() {
		return score
	}
	days := int64(now.Sub(last) / (24 * time.Hour))
	if days <= 0 {
		return score
	}
	if days >= int64(MaxScore) {
		return 0
	}
	return clamp(score - int(days)*p.DecayPerDay)
}

func clamp(score int) int {
	return min(max(score, 0), MaxScore)
}

// UserRiskScore is the per-user aggregate. Status is always recomputed from
// Score; it is stored only for querying convenience.
type UserRiskScore struct {
	UserID        string    `json:"userId"`
	Score         int       `json:"score"`
	Status        Status    `json:"status"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// RiskSignal is the immutable record of one screened message.
type RiskSignal struct {
	ID                string           `json:"id"`
	MessageID         string           `json:"messageId"`
	UserID            string           `json:"userId"`
	PatternSetVersion string           `json:"patternSetVersion"`
	MatchedPatterns   []patterns.Match `json:"matchedPatterns"`
	Severity          int              `json:"severity"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// UpdateFunc computes the next record from the current one (nil when the
// user has none). It may be invoked more than once by optimistic stores and
// must not have side effects.
type UpdateFunc func(current *UserRiskScore) (*UserRiskScore, error)

// ScoreStore persists UserRiskScore records. Update must be a single atomic
// read-modify-write per user.
type ScoreStore interface {
	Get(ctx context.Context, userID string) (*UserRiskScore, error)
	Update(ctx context.Context, userID string, fn UpdateFunc) (*UserRiskScore, error)
}

// SignalStore persists RiskSignal records for audit and appeal.
type SignalStore interface {
	Record(ctx context.Context, signal *RiskSignal) error
	// ListByUser returns signals newest first.
	ListByUser(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*RiskSignal, error)
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor restricts results to signals after the cursor position in
// newest-first order. A nil cursor is ignored.
func WithCursor(c *pagination.Cursor) ListOption {
	return func(o *listOpts) {
		o.cursor = c
	}
}
