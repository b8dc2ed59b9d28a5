package rollup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Bucket aggregates one (kind, category) pair.
type Bucket struct {
	Kind     string `json:"kind"`
	Category string `json:"category"`
	Count    int64  `json:"count"`
	Sum      int64  `json:"sum"`
}

// Summary is the immutable result for one window. ComputedAt is metadata
// and not part of the canonical encoding or digest.
type Summary struct {
	Granularity Granularity `json:"granularity"`
	WindowStart time.Time   `json:"windowStart"`
	WindowEnd   time.Time   `json:"windowEnd"`
	TotalEvents int64       `json:"totalEvents"`
	Buckets     []Bucket    `json:"buckets"`
	Digest      string      `json:"digest"`
	ComputedAt  time.Time   `json:"computedAt"`
}

// Window returns the summary's window.
func (s *Summary) Window() Window {
	return Window{Start: s.WindowStart, End: s.WindowEnd, Granularity: s.Granularity}
}

// canonicalSummary fixes field order and time formatting.
type canonicalSummary struct {
	Granularity Granularity `json:"granularity"`
	WindowStart string      `json:"windowStart"`
	WindowEnd   string      `json:"windowEnd"`
	TotalEvents int64       `json:"totalEvents"`
	Buckets     []Bucket    `json:"buckets"`
}

// Canonical returns the deterministic encoding the digest is taken over.
func (s *Summary) Canonical() ([]byte, error) {
	buckets := s.Buckets
	if buckets == nil {
		buckets = []Bucket{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonicalSummary{
		Granularity: s.Granularity,
		WindowStart: s.WindowStart.UTC().Format(time.RFC3339),
		WindowEnd:   s.WindowEnd.UTC().Format(time.RFC3339),
		TotalEvents: s.TotalEvents,
		Buckets:     buckets,
	}); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// digest returns the hex SHA-256 of the canonical encoding.
func digest(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Compute summarizes the events in w. It only reads from source.
func Compute(ctx context.Context, source EventSource, w Window) (*Summary, error) {
	if !w.End.After(w.Start) {
		return nil, fmt.Errorf("%w: empty interval", ErrInvalidWindow)
	}

	type bucketKey struct{ kind, category string }
	agg := make(map[bucketKey]*Bucket)
	var total int64

	err := source.Scan(ctx, w.Start, w.End, func(e Event) error {
		if !w.Contains(e.OccurredAt) {
			return nil
		}
		k := bucketKey{e.Kind, e.Category}
		b, ok := agg[k]
		if !ok {
			b = &Bucket{Kind: e.Kind, Category: e.Category}
			agg[k] = b
		}
		b.Count++
		b.Sum += e.Amount
		total++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", w.Key(), err)
	}

	buckets := make([]Bucket, 0, len(agg))
	for _, b := range agg {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Kind != buckets[j].Kind {
			return buckets[i].Kind < buckets[j].Kind
		}
		return buckets[i].Category < buckets[j].Category
	})

	s := &Summary{
		Granularity: w.Granularity,
		WindowStart: w.Start.UTC(),
		WindowEnd:   w.End.UTC(),
		TotalEvents: total,
		Buckets:     buckets,
	}
	canonical, err := s.Canonical()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", w.Key(), err)
	}
	s.Digest = digest(canonical)
	return s, nil
}
