// Package circuitbreaker trips per-key circuits around the backing stores.
//
// A key starts closed. After threshold consecutive failures it opens and
// rejects calls with ErrOpen. Once the cooldown has passed a single probe is
// admitted (half-open); its outcome closes or reopens the circuit.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is the state of one key's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = map[State]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half_open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chatshield",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// circuit tracks one key. All methods require Breaker.mu.
type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// admit reports whether a call may proceed and the state it moves to.
func (c *circuit) admit(now time.Time, cooldown time.Duration) (bool, State) {
	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) >= cooldown {
			return true, StateHalfOpen
		}
		return false, StateOpen
	case StateHalfOpen:
		// The probe is still in flight.
		return false, StateHalfOpen
	default:
		return true, StateClosed
	}
}

// fail counts a failure and returns the resulting state.
func (c *circuit) fail(threshold int) State {
	c.failures++
	if c.state == StateHalfOpen || c.failures >= threshold {
		return StateOpen
	}
	return c.state
}

// Breaker holds one circuit per key.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	onTransition func(key string, from, to State)
	now          func() time.Time
}

// New creates a breaker that opens a key after threshold consecutive
// failures and admits a probe after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition sets a callback run asynchronously on every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn when the circuit for key admits it and records the
// outcome. Errors for which ignore returns true count as successes.
func (b *Breaker) Execute(key string, fn func() error, ignore func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (ignore == nil || !ignore(err)) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

// Allow reports whether a call to key may proceed. An open circuit past its
// cooldown moves to half-open and admits exactly this call.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	allowed, next := c.admit(b.now(), b.cooldown)
	b.setState(key, c, next)
	return allowed
}

// RecordSuccess clears the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		c.failures = 0
		if c.state == StateHalfOpen {
			b.setState(key, c, StateClosed)
		}
	}
}

// RecordFailure counts a failure. The circuit opens at the threshold, and a
// failed half-open probe reopens it at once.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	next := c.fail(b.threshold)
	if next == StateOpen {
		c.openedAt = b.now()
	}
	b.setState(key, c, next)
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshot returns the state of every key that has recorded a failure.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]State, len(b.circuits))
	for key, c := range b.circuits {
		out[key] = c.state
	}
	return out
}

func (b *Breaker) setState(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if fn := b.onTransition; fn != nil {
		go fn(key, from, to)
	}
}
