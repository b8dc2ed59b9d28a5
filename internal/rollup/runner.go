package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/chatshield/internal/idgen"
	"github.com/mbd888/chatshield/internal/logging"
	"github.com/mbd888/chatshield/internal/metrics"
	"github.com/mbd888/chatshield/internal/traces"
)

// DefaultClaimTTL bounds how long a crashed run can block a window.
const DefaultClaimTTL = 5 * time.Minute

// DefaultSettleDelay is how long after its end a window waits before it is
// summarized. It exceeds an EventWriter's default flush interval plus its
// retry budget, so events buffered at the window's edge land first.
const DefaultSettleDelay = 30 * time.Second

// Outcome describes what Run did with a window.
type Outcome string

const (
	OutcomeComputed Outcome = "computed" // summary written by this run
	OutcomeSkipped  Outcome = "skipped"  // summary already existed
	OutcomeClaimed  Outcome = "claimed"  // another run holds the window
)

// Result is the outcome of one window run.
type Result struct {
	Window  Window   `json:"window"`
	Outcome Outcome  `json:"outcome"`
	Summary *Summary `json:"summary,omitempty"`
}

// Runner computes and stores window summaries.
type Runner struct {
	source      EventSource
	summaries   SummaryStore
	claims      ClaimStore
	owner       string
	claimTTL    time.Duration
	settle      time.Duration
	parallelism int
	now         func() time.Time
	logger      *slog.Logger
	onComplete  func(*Summary)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithClaimTTL sets the claim lifetime.
func WithClaimTTL(d time.Duration) RunnerOption { return func(r *Runner) { r.claimTTL = d } }

// WithSettleDelay sets how long a window must have been over before Run
// accepts it. Negative values are treated as zero.
func WithSettleDelay(d time.Duration) RunnerOption {
	return func(r *Runner) { r.settle = max(d, 0) }
}

// WithParallelism bounds concurrent windows in Backfill.
func WithParallelism(n int) RunnerOption { return func(r *Runner) { r.parallelism = n } }

// WithRunnerClock overrides time.Now.
func WithRunnerClock(now func() time.Time) RunnerOption { return func(r *Runner) { r.now = now } }

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption { return func(r *Runner) { r.logger = l } }

// WithOwner sets the claim owner id. Defaults to a random id per Runner.
func WithOwner(owner string) RunnerOption { return func(r *Runner) { r.owner = owner } }

// OnComplete registers a callback for each newly written summary.
func OnComplete(fn func(*Summary)) RunnerOption { return func(r *Runner) { r.onComplete = fn } }

// NewRunner creates a runner. source is read-only by type.
func NewRunner(source EventSource, summaries SummaryStore, claims ClaimStore, opts ...RunnerOption) *Runner {
	r := &Runner{
		source:      source,
		summaries:   summaries,
		claims:      claims,
		owner:       idgen.WithPrefix(idgen.PrefixClaim),
		claimTTL:    DefaultClaimTTL,
		settle:      DefaultSettleDelay,
		parallelism: 4,
		now:         time.Now,
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.parallelism <= 0 {
		r.parallelism = 1
	}
	return r
}

// SettleDelay returns the configured settle delay.
func (r *Runner) SettleDelay() time.Duration { return r.settle }

// settled is the latest instant whose windows may be summarized.
func (r *Runner) settled() time.Time { return r.now().Add(-r.settle) }

// Run computes and stores the summary for a window that ended at least the
// settle delay ago. Windows that already have a summary are skipped
// without recomputation.
func (r *Runner) Run(ctx context.Context, w Window) (*Result, error) {
	if _, err := NewWindow(w.Granularity, w.Start); err != nil {
		return nil, err
	}
	if !w.Closed(r.settled()) {
		return nil, fmt.Errorf("%w: %s ends %s, settles after %s",
			ErrWindowOpen, w.Key(), w.End.Format(time.RFC3339), r.settle)
	}

	if existing, err := r.summaries.Get(ctx, w.Granularity, w.Start); err == nil {
		return &Result{Window: w, Outcome: OutcomeSkipped, Summary: existing}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load summary %s: %w", w.Key(), err)
	}

	ok, err := r.claims.TryClaim(ctx, w.Key(), r.owner, r.claimTTL)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", w.Key(), err)
	}
	if !ok {
		metrics.RollupRunsTotal.WithLabelValues(string(w.Granularity), string(OutcomeClaimed)).Inc()
		return &Result{Window: w, Outcome: OutcomeClaimed}, ErrWindowClaimed
	}
	defer func() {
		// Release even when ctx was cancelled mid-run.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.claims.Release(relCtx, w.Key(), r.owner); err != nil {
			r.logger.Warn("rollup claim release failed", "window", w.Key(), "error", err)
		}
	}()

	// A run that held the claim before us may have finished in between.
	if existing, err := r.summaries.Get(ctx, w.Granularity, w.Start); err == nil {
		return &Result{Window: w, Outcome: OutcomeSkipped, Summary: existing}, nil
	}

	ctx, span := traces.StartSpan(ctx, "rollup.Run", traces.Window(string(w.Granularity), w.Start.Format(time.RFC3339)))
	defer span.End()

	start := time.Now()
	s, err := Compute(ctx, r.source, w)
	if err != nil {
		traces.RecordError(span, err)
		metrics.RollupRunsTotal.WithLabelValues(string(w.Granularity), "error").Inc()
		return nil, err
	}
	s.ComputedAt = r.now().UTC()

	if err := r.summaries.PutOnce(ctx, s); err != nil {
		traces.RecordError(span, err)
		metrics.RollupRunsTotal.WithLabelValues(string(w.Granularity), "error").Inc()
		if errors.Is(err, ErrSummaryMismatch) {
			r.logger.Error("rollup recompute disagrees with stored summary", "window", w.Key(), "digest", s.Digest)
		}
		return nil, fmt.Errorf("store summary %s: %w", w.Key(), err)
	}

	metrics.RollupRunsTotal.WithLabelValues(string(w.Granularity), string(OutcomeComputed)).Inc()
	metrics.RollupDuration.WithLabelValues(string(w.Granularity)).Observe(time.Since(start).Seconds())
	r.logger.Info("rollup window computed",
		"window", w.Key(), "events", s.TotalEvents, "buckets", len(s.Buckets), "digest", s.Digest)

	if r.onComplete != nil {
		r.onComplete(s)
	}
	return &Result{Window: w, Outcome: OutcomeComputed, Summary: s}, nil
}

// Verify recomputes a stored window and checks the digest. It writes nothing.
func (r *Runner) Verify(ctx context.Context, w Window) (*Summary, error) {
	stored, err := r.summaries.Get(ctx, w.Granularity, w.Start)
	if err != nil {
		return nil, err
	}
	fresh, err := Compute(ctx, r.source, w)
	if err != nil {
		return nil, err
	}
	if fresh.Digest != stored.Digest {
		return fresh, fmt.Errorf("%w: %s stored %s, recomputed %s", ErrSummaryMismatch, w.Key(), stored.Digest, fresh.Digest)
	}
	return stored, nil
}

// Backfill runs every settled window of granularity g starting in [from, to).
// Windows are disjoint and run concurrently up to the configured
// parallelism. Windows claimed elsewhere are reported, not failed.
func (r *Runner) Backfill(ctx context.Context, g Granularity, from, to time.Time) ([]*Result, error) {
	if _, err := ParseGranularity(string(g)); err != nil {
		return nil, err
	}
	if !to.After(from) {
		return nil, fmt.Errorf("%w: from must be before to", ErrInvalidWindow)
	}

	cutoff := r.settled()
	var windows []Window
	for _, w := range Windows(g, from, to) {
		if w.Closed(cutoff) {
			windows = append(windows, w)
		}
	}

	results := make([]*Result, len(windows))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.parallelism)
	for i, w := range windows {
		eg.Go(func() error {
			res, err := r.Run(egCtx, w)
			if errors.Is(err, ErrWindowClaimed) {
				results[i] = res
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return compact(results), err
	}
	return results, nil
}

func compact(results []*Result) []*Result {
	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
