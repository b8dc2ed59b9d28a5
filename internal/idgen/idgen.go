// Package idgen mints the random and time-ordered identifiers used for
// signals, rollup events, and window claims.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

// Prefixes for the record types this service mints.
const (
	PrefixSignal = "sig_"
	PrefixEvent  = "evt_"
	PrefixClaim  = "clm_"
)

// WithPrefix returns prefix followed by 24 random hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Sortable returns prefix, 12 hex chars of t in Unix milliseconds, then 12
// random hex chars. IDs minted later sort after earlier ones lexically, so
// they break created_at ties in keyset pages the same way on every store.
func Sortable(prefix string, t time.Time) string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t.UnixMilli()))
	return prefix + hex.EncodeToString(ts[2:]) + Hex(6)
}

// Time recovers the timestamp embedded by Sortable. ok is false for IDs
// not minted by Sortable with the given prefix.
func Time(id, prefix string) (t time.Time, ok bool) {
	rest, found := strings.CutPrefix(id, prefix)
	if !found || len(rest) != 24 {
		return time.Time{}, false
	}
	var ts [8]byte
	if _, err := hex.Decode(ts[2:], []byte(rest[:12])); err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(ts[:]))).UTC(), true
}

// Hex returns numBytes random bytes hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
