// Package health runs named subsystem probes for the /health route.
//
// A failing critical check makes the service unhealthy. A failing
// non-critical check only degrades it: the message gate still answers,
// for example with fail-closed verdicts while the score store is down.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single checker when the caller's context
// has no earlier deadline.
const DefaultCheckTimeout = 2 * time.Second

// Overall summarizes a Report.
type Overall string

const (
	Healthy   Overall = "healthy"
	Degraded  Overall = "degraded"
	Unhealthy Overall = "unhealthy"
)

// Status is one probe result.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Report is the result of running every registered check.
type Report struct {
	Status Overall  `json:"status"`
	Checks []Status `json:"checks"`
}

// Checker probes one subsystem. Name, Critical and LatencyMS are filled in
// by the registry.
type Checker func(ctx context.Context) Status

// Ping adapts an error-returning probe (db.PingContext, redis Ping) into a Checker.
func Ping(probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

var checkUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "chatshield",
	Subsystem: "health",
	Name:      "check_up",
	Help:      "1 if the named health check passed on its last run, else 0.",
}, []string{"check"})

func init() {
	prometheus.MustRegister(checkUp)
}

// Option configures a registered check.
type Option func(*entry)

// NonCritical marks a check whose failure degrades rather than fails the
// service.
func NonCritical() Option {
	return func(e *entry) { e.critical = false }
}

type entry struct {
	name     string
	check    Checker
	critical bool
}

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// Register adds a check. Checks are critical unless NonCritical is given.
func (r *Registry) Register(name string, check Checker, opts ...Option) {
	e := entry{name: name, check: check, critical: true}
	for _, opt := range opts {
		opt(&e)
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently, each under its own timeout, and
// returns the results in registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			st := e.check(cctx)
			st.Name = e.name
			st.Critical = e.critical
			st.LatencyMS = time.Since(start).Milliseconds()
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: Healthy, Checks: statuses}
	for _, st := range statuses {
		up := 0.0
		if st.Healthy {
			up = 1
		}
		checkUp.WithLabelValues(st.Name).Set(up)

		switch {
		case st.Healthy:
		case st.Critical:
			report.Status = Unhealthy
		case report.Status == Healthy:
			report.Status = Degraded
		}
	}
	return report
}
