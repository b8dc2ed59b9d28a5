package risk

import (
	"context"
	"sync"

	"github.com/mbd888/chatshield/internal/patterns"
	"github.com/mbd888/chatshield/internal/syncutil"
)

// MemoryScoreStore is an in-memory ScoreStore for demo/test use. Updates for
// one user are serialized through a keyed mutex.
type MemoryScoreStore struct {
	locks  *syncutil.KeyedMutex
	mu     sync.RWMutex
	scores map[string]UserRiskScore
}

// NewMemoryScoreStore creates an in-memory score store.
func NewMemoryScoreStore() *MemoryScoreStore {
	return &MemoryScoreStore{
		locks:  syncutil.NewKeyedMutex(0),
		scores: make(map[string]UserRiskScore),
	}
}

func (s *MemoryScoreStore) Get(ctx context.Context, userID string) (*UserRiskScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.scores[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryScoreStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*UserRiskScore, error) {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.RLock()
	rec, ok := s.scores[userID]
	s.mu.RUnlock()

	var cur *UserRiskScore
	if ok {
		cur = &rec
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.scores[userID] = *next
	s.mu.Unlock()

	out := *next
	return &out, nil
}

// MemorySignalStore is an in-memory SignalStore for demo/test use.
type MemorySignalStore struct {
	mu      sync.RWMutex
	signals map[string][]*RiskSignal // userID → signals, oldest first
}

// NewMemorySignalStore creates an in-memory signal store.
func NewMemorySignalStore() *MemorySignalStore {
	return &MemorySignalStore{
		signals: make(map[string][]*RiskSignal),
	}
}

func (s *MemorySignalStore) Record(ctx context.Context, signal *RiskSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.signals[signal.UserID] = append(s.signals[signal.UserID], copySignal(signal))
	return nil
}

func (s *MemorySignalStore) ListByUser(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*RiskSignal, error) {
	o := applyListOpts(opts)

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.signals[userID]
	if len(all) == 0 {
		return nil, nil
	}

	// Walk newest first. A cursor naming a stored signal resumes right
	// after it; otherwise only signals keyed below it qualify.
	i := len(all) - 1
	if c := o.cursor; c != nil {
		resumed := false
		for j := i; j >= 0; j-- {
			if all[j].ID == c.ID {
				i, resumed = j-1, true
				break
			}
		}
		if !resumed {
			for i >= 0 && !c.After(all[i].CreatedAt, all[i].ID) {
				i--
			}
		}
	}

	result := make([]*RiskSignal, 0, min(limit, i+1))
	for ; i >= 0 && len(result) < limit; i-- {
		result = append(result, copySignal(all[i]))
	}
	return result, nil
}

func copySignal(sig *RiskSignal) *RiskSignal {
	c := *sig
	c.MatchedPatterns = append([]patterns.Match(nil), sig.MatchedPatterns...)
	return &c
}
