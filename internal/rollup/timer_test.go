package rollup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mbd888/chatshield/internal/logging"
)

func TestDueWindows(t *testing.T) {
	now := t0.Add(25 * time.Minute) // 10:25
	ws := DueWindows(now, 3, 0)
	require.Len(t, ws, 4)
	assert.Equal(t, t0.Add(-3*time.Hour), ws[0].Start)
	assert.Equal(t, t0.Add(-1*time.Hour), ws[2].Start)
	assert.Equal(t, GranularityDaily, ws[3].Granularity)
	assert.Equal(t, time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC), ws[3].Start)
	for _, w := range ws {
		assert.True(t, w.Closed(now))
	}
}

func TestDueWindows_SettleDelay(t *testing.T) {
	// 10:00:10 with a 30s settle delay: the 09:00 hour is not settled yet.
	now := t0.Add(10 * time.Second)
	ws := DueWindows(now, 2, 30*time.Second)
	require.Len(t, ws, 3)
	assert.Equal(t, t0.Add(-3*time.Hour), ws[0].Start)
	assert.Equal(t, t0.Add(-2*time.Hour), ws[1].Start)
	for _, w := range ws {
		assert.True(t, w.Closed(now.Add(-30*time.Second)), w.Key())
	}

	// Just after midnight the previous day is not settled either.
	midnight := time.Date(2026, 5, 4, 0, 0, 10, 0, time.UTC)
	ws = DueWindows(midnight, 1, 30*time.Second)
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), ws[len(ws)-1].Start)
}

func TestNewTimer_LookbackAtLeastOne(t *testing.T) {
	assert.Equal(t, 1, NewTimer(nil, time.Hour, 0, logging.Discard()).lookback)
}

func TestTimer_RunsDueWindowsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := NewMemoryEventLog()
	require.NoError(t, log.Append(context.Background(),
		Event{ID: "e1", Kind: KindMessageScreened, OccurredAt: t0.Add(-30 * time.Minute)}))
	summaries := NewMemorySummaryStore()
	now := t0.Add(5 * time.Minute)
	r := newTestRunner(log, summaries, NewMemoryClaimStore(), now)

	timer := NewTimer(r, time.Hour, 2, logging.Discard())
	timer.now = func() time.Time { return now }

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return !timer.LastTick().At.IsZero() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())

	// Two hourly windows and yesterday, all computed on the first pass.
	stats := timer.LastTick()
	assert.Equal(t, now, stats.At)
	assert.Equal(t, 3, stats.Computed)
	assert.Zero(t, stats.Failed)

	s, err := summaries.Get(context.Background(), GranularityHourly, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.TotalEvents)
}

func TestTimer_SecondPassSkips(t *testing.T) {
	now := t0.Add(5 * time.Minute)
	r := newTestRunner(NewMemoryEventLog(), NewMemorySummaryStore(), NewMemoryClaimStore(), now)
	timer := NewTimer(r, time.Hour, 1, logging.Discard())
	timer.now = func() time.Time { return now }

	first := timer.pass(context.Background())
	assert.Equal(t, 2, first.Computed)

	second := timer.pass(context.Background())
	assert.Zero(t, second.Computed)
	assert.Equal(t, 2, second.Skipped)
}

func TestTimer_CountsClaimedAndFailed(t *testing.T) {
	now := t0.Add(5 * time.Minute)
	claims := NewMemoryClaimStore()
	hour := WindowAt(GranularityHourly, t0.Add(-time.Hour))
	ok, err := claims.TryClaim(context.Background(), hour.Key(), "other-node", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	r := newTestRunner(failingSource{}, NewMemorySummaryStore(), claims, now)
	timer := NewTimer(r, time.Hour, 1, logging.Discard())
	timer.now = func() time.Time { return now }

	stats := timer.pass(context.Background())
	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 1, stats.Failed, "daily window reads the failing source")
}

func TestTimer_PanicEndsPassNotLoop(t *testing.T) {
	timer := NewTimer(nil, time.Hour, 1, logging.Discard())
	var stats TickStats
	assert.NotPanics(t, func() { stats = timer.pass(context.Background()) })
	assert.True(t, stats.Panicked)
}

func TestTimer_StopWithoutStart(t *testing.T) {
	timer := NewTimer(nil, time.Hour, 1, logging.Discard())
	stopped := make(chan struct{})
	go func() {
		timer.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked without Start")
	}

	// A later Start must not run the loop.
	timer.Start(context.Background())
	assert.True(t, timer.LastTick().At.IsZero())
}

// blockingSource holds Scan until release is closed.
type blockingSource struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSource) Scan(context.Context, time.Time, time.Time, func(Event) error) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil
}

func TestTimer_StopWaitsForPass(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	now := t0.Add(5 * time.Minute)
	r := newTestRunner(src, NewMemorySummaryStore(), NewMemoryClaimStore(), now)
	timer := NewTimer(r, time.Hour, 1, logging.Discard())
	timer.now = func() time.Time { return now }

	go timer.Start(context.Background())
	<-src.entered

	stopped := make(chan struct{})
	go func() {
		timer.Stop()
		close(stopped)
	}()
	assert.Never(t, func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "Stop returned while a pass was running")

	close(src.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the pass finished")
	}
	assert.False(t, timer.Running())
}
