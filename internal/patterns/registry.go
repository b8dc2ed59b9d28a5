package patterns

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mbd888/chatshield/internal/metrics"
)

// Registry holds the active Matcher. Readers never block; Reload swaps the
// pointer only after the new set compiles, so a bad edit keeps the previous
// set live.
type Registry struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Matcher]

	mu     sync.Mutex // serializes reloads
	onSwap []func(*Matcher)
}

// NewRegistry loads the pattern set at path (embedded default when empty).
// A load failure is returned so the caller can refuse to start.
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	r := &Registry{path: path, logger: logger}
	r.current.Store(m)
	metrics.SetPatternSet(m.Version(), m.Len())
	return r, nil
}

// NewStaticRegistry wraps an already compiled matcher. Reload is a no-op
// returning the same matcher.
func NewStaticRegistry(m *Matcher, logger *slog.Logger) *Registry {
	r := &Registry{logger: logger}
	r.current.Store(m)
	return r
}

// Current returns the active matcher.
func (r *Registry) Current() *Matcher {
	return r.current.Load()
}

// Path returns the watched file path, empty for embedded or static sets.
func (r *Registry) Path() string { return r.path }

// OnSwap registers a callback run after each successful swap.
func (r *Registry) OnSwap(fn func(*Matcher)) {
	r.mu.Lock()
	r.onSwap = append(r.onSwap, fn)
	r.mu.Unlock()
}

// Reload recompiles the pattern file and swaps it in on success.
func (r *Registry) Reload(ctx context.Context) (*Matcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.path == "" {
		return r.current.Load(), nil
	}

	m, err := Load(r.path)
	if err != nil {
		metrics.PatternSetReloadsTotal.WithLabelValues("error").Inc()
		r.logger.ErrorContext(ctx, "pattern reload rejected, keeping previous set",
			"path", r.path, "active_version", r.current.Load().Version(), "error", err)
		return nil, err
	}

	prev := r.current.Swap(m)
	metrics.PatternSetReloadsTotal.WithLabelValues("ok").Inc()
	metrics.SetPatternSet(m.Version(), m.Len())
	r.logger.InfoContext(ctx, "pattern set reloaded",
		"path", r.path, "from_version", prev.Version(), "to_version", m.Version(), "patterns", m.Len())

	for _, fn := range r.onSwap {
		fn(m)
	}
	return m, nil
}
