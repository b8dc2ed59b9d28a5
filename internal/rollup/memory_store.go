package rollup

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryEventLog is an in-memory EventLog for demo/test use.
type MemoryEventLog struct {
	mu     sync.RWMutex
	events []Event
	ids    map[string]struct{}
}

// NewMemoryEventLog creates an in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{ids: make(map[string]struct{})}
}

// Append adds events. Re-appending an existing id is ignored.
func (l *MemoryEventLog) Append(ctx context.Context, events ...Event) error {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range events {
		if _, dup := l.ids[e.ID]; dup {
			continue
		}
		l.ids[e.ID] = struct{}{}
		e.OccurredAt = e.OccurredAt.UTC()
		l.events = append(l.events, e)
	}
	return nil
}

func (l *MemoryEventLog) Scan(ctx context.Context, start, end time.Time, fn func(Event) error) error {
	l.mu.RLock()
	snapshot := make([]Event, 0, len(l.events))
	for _, e := range l.events {
		if !e.OccurredAt.Before(start) && e.OccurredAt.Before(end) {
			snapshot = append(snapshot, e)
		}
	}
	l.mu.RUnlock()

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored events.
func (l *MemoryEventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

type summaryKey struct {
	g     Granularity
	start int64
}

// MemorySummaryStore is an in-memory SummaryStore for demo/test use.
type MemorySummaryStore struct {
	mu        sync.RWMutex
	summaries map[summaryKey]*Summary
}

// NewMemorySummaryStore creates an in-memory summary store.
func NewMemorySummaryStore() *MemorySummaryStore {
	return &MemorySummaryStore{summaries: make(map[summaryKey]*Summary)}
}

func (s *MemorySummaryStore) PutOnce(ctx context.Context, sum *Summary) error {
	key := summaryKey{sum.Granularity, sum.WindowStart.Unix()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.summaries[key]; ok {
		if existing.Digest != sum.Digest {
			return ErrSummaryMismatch
		}
		return nil
	}
	s.summaries[key] = copySummary(sum)
	return nil
}

func (s *MemorySummaryStore) Get(ctx context.Context, g Granularity, start time.Time) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[summaryKey{g, start.Unix()}]
	if !ok {
		return nil, ErrNotFound
	}
	return copySummary(sum), nil
}

func (s *MemorySummaryStore) List(ctx context.Context, g Granularity, from, to time.Time) ([]*Summary, error) {
	s.mu.RLock()
	var out []*Summary
	for k, sum := range s.summaries {
		if k.g != g || sum.WindowStart.Before(from) || !sum.WindowStart.Before(to) {
			continue
		}
		out = append(out, copySummary(sum))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}

func copySummary(s *Summary) *Summary {
	c := *s
	c.Buckets = append([]Bucket(nil), s.Buckets...)
	return &c
}

type claim struct {
	owner   string
	expires time.Time
}

// MemoryClaimStore is an in-memory ClaimStore for single-process use.
type MemoryClaimStore struct {
	mu     sync.Mutex
	claims map[string]claim
	now    func() time.Time
}

// NewMemoryClaimStore creates an in-memory claim store.
func NewMemoryClaimStore() *MemoryClaimStore {
	return &MemoryClaimStore{claims: make(map[string]claim), now: time.Now}
}

func (s *MemoryClaimStore) TryClaim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c, ok := s.claims[key]; ok && c.owner != owner && now.Before(c.expires) {
		return false, nil
	}
	s.claims[key] = claim{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryClaimStore) Release(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.claims[key]; ok && c.owner == owner {
		delete(s.claims, key)
	}
	return nil
}
