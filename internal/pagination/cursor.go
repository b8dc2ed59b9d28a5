// Package pagination implements keyset paging for newest-first listings
// ordered by (created_at DESC, id DESC).
//
// A cursor names the last row of the previous page. It is opaque to
// clients: a version byte, the row's creation time in unix nanoseconds
// and its id, base64url encoded without padding.
package pagination

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a cursor string cannot be decoded.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

const cursorV1 byte = 1

// Cursor is the (created_at, id) key of the last item on a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After reports whether the item keyed (createdAt, id) sorts after c in a
// newest-first listing, i.e. belongs on the next page.
func (c *Cursor) After(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id < c.ID
}

// Encode returns an opaque cursor for the item keyed (createdAt, id).
func Encode(createdAt time.Time, id string) string {
	buf := make([]byte, 9, 9+len(id))
	buf[0] = cursorV1
	binary.BigEndian.PutUint64(buf[1:9], uint64(createdAt.UnixNano()))
	buf = append(buf, id...)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Decode parses a cursor produced by Encode. It returns nil for "".
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil || len(raw) < 10 || raw[0] != cursorV1 {
		return nil, ErrInvalidCursor
	}
	nanos := int64(binary.BigEndian.Uint64(raw[1:9]))
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        string(raw[9:]),
	}, nil
}

// Page is one page of a listing. Next is empty on the last page.
type Page[T any] struct {
	Items []T
	Next  string
}

// ComputePage trims items fetched with limit+1 down to limit. When the
// extra item was present, Next is a cursor for the last kept item.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) Page[T] {
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return Page[T]{Items: items, Next: Encode(createdAt, id)}
}

// Limit parses a client supplied page size. Missing or malformed values
// give def; values above max are clamped.
func Limit(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}
