package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/chatshield/internal/circuitbreaker"
	"github.com/mbd888/chatshield/internal/logging"
	"github.com/mbd888/chatshield/internal/metrics"
	"github.com/mbd888/chatshield/internal/retry"
	"github.com/mbd888/chatshield/internal/traces"
)

// Outcome is the result of one accumulation.
type Outcome struct {
	Previous Status         `json:"previousStatus"`
	Score    *UserRiskScore `json:"score"`
}

// Changed reports whether the status moved.
func (o *Outcome) Changed() bool {
	return o.Previous != o.Score.Status
}

// Accumulator owns every UserRiskScore mutation.
type Accumulator struct {
	store     ScoreStore
	storeName string
	policy    Policy
	retry     retry.Policy
	breaker   *circuitbreaker.Breaker
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithRetry sets the bounded retry for store calls.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(a *Accumulator) {
		a.retry.MaxAttempts = attempts
		a.retry.BaseDelay = baseDelay
	}
}

// WithBreaker guards store calls with a circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(a *Accumulator) { a.breaker = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Accumulator) { a.logger = l }
}

// WithStoreName labels store metrics and the breaker key.
func WithStoreName(name string) Option {
	return func(a *Accumulator) { a.storeName = name }
}

// NewAccumulator creates an accumulator. The policy must validate.
func NewAccumulator(store ScoreStore, policy Policy, opts ...Option) (*Accumulator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	a := &Accumulator{
		store:     store,
		storeName: "risk_scores",
		policy:    policy,
		retry:     retry.Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		now:       time.Now,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.retry.OnRetry = func(attempt int, err error) {
		metrics.StoreRetriesTotal.WithLabelValues(a.storeName).Inc()
		a.logger.Warn("risk store call failed, retrying", "store", a.storeName, "attempt", attempt, "error", err)
	}
	return a, nil
}

// Policy returns the active policy.
func (a *Accumulator) Policy() Policy { return a.policy }

// RecordSignal applies one signal for userID and returns the new status.
func (a *Accumulator) RecordSignal(ctx context.Context, userID string, severity int) (Status, error) {
	out, err := a.Accumulate(ctx, userID, severity)
	if err != nil {
		return "", err
	}
	return out.Score.Status, nil
}

// Accumulate is RecordSignal that also reports the status before the
// update. Severity <= 0 changes nothing and returns the decayed preview.
func (a *Accumulator) Accumulate(ctx context.Context, userID string, severity int) (*Outcome, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	if severity <= 0 {
		cur, err := a.GetStatus(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Previous: cur.Status, Score: cur}, nil
	}
	severity = min(severity, MaxScore)

	ctx, span := traces.StartSpan(ctx, "risk.Accumulate", traces.UserID(userID), traces.Severity(severity))
	defer span.End()

	var (
		out  *Outcome
		prev Status
	)
	err := a.call(ctx, func() error {
		now := a.now()
		next, err := a.store.Update(ctx, userID, func(cur *UserRiskScore) (*UserRiskScore, error) {
			prev = StatusNormal
			score := 0
			if cur != nil {
				score = a.policy.Decay(cur.Score, cur.LastUpdatedAt, now)
				prev = a.policy.StatusFor(score)
			}
			score = clamp(score + severity)
			return &UserRiskScore{
				UserID:        userID,
				Score:         score,
				Status:        a.policy.StatusFor(score),
				LastUpdatedAt: now,
			}, nil
		})
		if err != nil {
			return err
		}
		out = &Outcome{Previous: prev, Score: next}
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(traces.RiskStatus(string(out.Score.Status)))
	if out.Changed() {
		metrics.RiskStatusTransitionsTotal.WithLabelValues(string(out.Previous), string(out.Score.Status)).Inc()
		logging.L(ctx).Info("risk status changed",
			"user_id", userID, "from", out.Previous, "to", out.Score.Status, "score", out.Score.Score)
	}
	return out, nil
}

// GetStatus returns the decayed score without persisting the decay. Users
// with no record report score 0 and NORMAL; no record is created.
func (a *Accumulator) GetStatus(ctx context.Context, userID string) (*UserRiskScore, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}

	var cur *UserRiskScore
	err := a.call(ctx, func() error {
		got, err := a.store.Get(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			cur = nil
			return nil
		}
		if err != nil {
			return err
		}
		cur = got
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := a.now()
	if cur == nil {
		return &UserRiskScore{UserID: userID, Score: 0, Status: StatusNormal}, nil
	}
	score := a.policy.Decay(cur.Score, cur.LastUpdatedAt, now)
	return &UserRiskScore{
		UserID:        userID,
		Score:         score,
		Status:        a.policy.StatusFor(score),
		LastUpdatedAt: cur.LastUpdatedAt,
	}, nil
}

// call runs fn through the breaker and the retry policy. Any failure that
// survives both is reported as ErrStoreUnavailable.
func (a *Accumulator) call(ctx context.Context, fn func() error) error {
	guarded := fn
	if a.breaker != nil {
		guarded = func() error {
			err := a.breaker.Execute(a.storeName, fn, nil)
			if errors.Is(err, circuitbreaker.ErrOpen) {
				return retry.Permanent(err)
			}
			return err
		}
	}

	err := a.retry.Do(ctx, guarded)
	if err == nil {
		return nil
	}
	metrics.StoreFailuresTotal.WithLabelValues(a.storeName).Inc()
	logging.L(ctx).Error("risk store unavailable", "store", a.storeName, "error", err)
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
