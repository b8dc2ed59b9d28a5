package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TickStats summarizes one pass of the Timer.
type TickStats struct {
	At       time.Time     `json:"at"`
	Took     time.Duration `json:"took"`
	Computed int           `json:"computed"`
	Skipped  int           `json:"skipped"`
	Claimed  int           `json:"claimed"`
	Failed   int           `json:"failed"`
	Panicked bool          `json:"panicked,omitempty"`
}

// Timer keeps recent windows rolled up. Each pass covers the last lookback
// closed hourly windows and yesterday's daily window; windows that already
// have a summary are skipped by the Runner, so passes are cheap to repeat.
type Timer struct {
	runner   *Runner
	logger   *slog.Logger
	interval time.Duration
	lookback int
	now      func() time.Time

	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	running   atomic.Bool

	mu   sync.Mutex
	last TickStats
}

// NewTimer creates a timer that runs a pass every interval.
func NewTimer(runner *Runner, interval time.Duration, lookback int, logger *slog.Logger) *Timer {
	return &Timer{
		runner:   runner,
		logger:   logger,
		interval: interval,
		lookback: max(lookback, 1),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastTick returns the stats of the most recent pass. At is zero before
// the first pass completes.
func (t *Timer) LastTick() TickStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Start runs a pass immediately and then interval after each pass ends, so
// a slow pass never overlaps the next. It blocks until ctx is done or Stop
// is called. Only the first call runs the loop.
func (t *Timer) Start(ctx context.Context) {
	first := false
	t.startOnce.Do(func() { first = true })
	if !first {
		return
	}
	defer close(t.done)
	t.running.Store(true)
	defer t.running.Store(false)

	wait := time.NewTimer(0)
	defer wait.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-wait.C:
			stats := t.pass(ctx)
			t.mu.Lock()
			t.last = stats
			t.mu.Unlock()
			wait.Reset(t.interval)
		}
	}
}

// Stop ends the loop and waits for an in-flight pass to return. Safe to
// call more than once, and before or without Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.startOnce.Do(func() { close(t.done) })
	<-t.done
}

// pass runs every due window. A panic ends the pass but not the loop.
func (t *Timer) pass(ctx context.Context) (stats TickStats) {
	stats.At = t.now()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			stats.Panicked = true
			t.logger.Error("panic in rollup pass", "panic", fmt.Sprint(r))
		}
		stats.Took = time.Since(start)
	}()

	for _, w := range DueWindows(stats.At, t.lookback, t.runner.SettleDelay()) {
		if ctx.Err() != nil {
			break
		}
		res, err := t.runner.Run(ctx, w)
		switch {
		case errors.Is(err, ErrWindowClaimed):
			stats.Claimed++
		case err != nil:
			stats.Failed++
			t.logger.Error("rollup window failed", "window", w.Key(), "error", err)
		case res.Outcome == OutcomeComputed:
			stats.Computed++
		default:
			stats.Skipped++
		}
	}
	if stats.Computed > 0 || stats.Failed > 0 {
		t.logger.Info("rollup pass finished",
			"computed", stats.Computed, "failed", stats.Failed, "claimed", stats.Claimed)
	}
	return stats
}

// DueWindows returns the windows a pass at now covers, oldest first: the
// lookback hourly windows before the hour of now-settle, then the day
// before it. Every returned window ended at least settle before now.
func DueWindows(now time.Time, lookback int, settle time.Duration) []Window {
	now = now.Add(-settle)
	hour := WindowAt(GranularityHourly, now).Start
	windows := make([]Window, 0, lookback+1)
	for i := lookback; i > 0; i-- {
		windows = append(windows, WindowAt(GranularityHourly, hour.Add(-time.Duration(i)*time.Hour)))
	}
	day := WindowAt(GranularityDaily, now).Start
	return append(windows, WindowAt(GranularityDaily, day.AddDate(0, 0, -1)))
}
