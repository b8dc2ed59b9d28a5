// Package rollup summarizes the append-only event log into one immutable
// summary per closed UTC time window.
//
// Computation only reads the source log. A summary is written once; a
// recompute of the same closed window yields a byte-identical canonical
// encoding, and a recompute that disagrees is reported, never written.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Granularity is the window size.
type Granularity string

const (
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

// ParseGranularity validates a granularity string.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case GranularityHourly, GranularityDaily:
		return g, nil
	}
	return "", fmt.Errorf("%w: granularity %q", ErrInvalidWindow, s)
}

// Duration returns the window length.
func (g Granularity) Duration() time.Duration {
	if g == GranularityDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Event kinds emitted by the message gate. The log accepts any kind.
const (
	KindMessageScreened = "message_screened"
	KindSignalRecorded  = "signal_recorded"
	KindStatusChanged   = "status_changed"
)

var (
	ErrNotFound        = errors.New("rollup: not found")
	ErrInvalidWindow   = errors.New("rollup: invalid window")
	ErrWindowOpen      = errors.New("rollup: window has not closed")
	ErrWindowClaimed   = errors.New("rollup: window is being computed elsewhere")
	ErrSummaryMismatch = errors.New("rollup: recomputed summary differs from stored summary")
	ErrInvalidEvent    = errors.New("rollup: invalid event")
)

// Window is the half-open interval [Start, End) aligned to UTC boundaries.
type Window struct {
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Granularity Granularity `json:"granularity"`
}

// WindowAt returns the window of granularity g containing t.
func WindowAt(g Granularity, t time.Time) Window {
	start := t.UTC().Truncate(g.Duration())
	return Window{Start: start, End: start.Add(g.Duration()), Granularity: g}
}

// NewWindow returns the window starting at start, which must be aligned.
func NewWindow(g Granularity, start time.Time) (Window, error) {
	if _, err := ParseGranularity(string(g)); err != nil {
		return Window{}, err
	}
	w := WindowAt(g, start)
	if !w.Start.Equal(start) {
		return Window{}, fmt.Errorf("%w: %s is not aligned to a %s boundary", ErrInvalidWindow, start.Format(time.RFC3339), g)
	}
	return w, nil
}

// Windows returns every window of granularity g whose start lies in
// [from, to), in ascending order.
func Windows(g Granularity, from, to time.Time) []Window {
	var out []Window
	w := WindowAt(g, from)
	if w.Start.Before(from.UTC()) {
		w = WindowAt(g, w.End)
	}
	for w.Start.Before(to) {
		out = append(out, w)
		w = WindowAt(g, w.End)
	}
	return out
}

// Closed reports whether the window ended at or before now.
func (w Window) Closed(now time.Time) bool {
	return !w.End.After(now)
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Key identifies the window for claims and logs.
func (w Window) Key() string {
	return string(w.Granularity) + ":" + w.Start.UTC().Format(time.RFC3339)
}

// Event is one append-only source record. Amount is in minor units; 0 for
// count-only events.
type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Category   string    `json:"category,omitempty"`
	Amount     int64     `json:"amount"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Validate checks the fields the log requires.
func (e Event) Validate() error {
	if e.ID == "" || e.Kind == "" || e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: id, kind and occurredAt are required", ErrInvalidEvent)
	}
	if len(e.Kind) > 64 || len(e.Category) > 64 {
		return fmt.Errorf("%w: kind and category are limited to 64 bytes", ErrInvalidEvent)
	}
	return nil
}

// EventSource is the read side of the event log. Scan calls fn for every
// event with OccurredAt in [start, end).
type EventSource interface {
	Scan(ctx context.Context, start, end time.Time, fn func(Event) error) error
}

// EventLog is the append-only event log. Events are never updated or deleted.
type EventLog interface {
	EventSource
	Append(ctx context.Context, events ...Event) error
}

// SummaryStore persists summaries. PutOnce writes a summary the first time;
// a second put of the same digest is a no-op and a different digest fails
// with ErrSummaryMismatch.
type SummaryStore interface {
	PutOnce(ctx context.Context, s *Summary) error
	Get(ctx context.Context, g Granularity, start time.Time) (*Summary, error)
	List(ctx context.Context, g Granularity, from, to time.Time) ([]*Summary, error)
}

// ClaimStore grants at most one holder per key until the TTL expires.
type ClaimStore interface {
	TryClaim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}
