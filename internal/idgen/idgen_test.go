package idgen

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixEvent)
	if !strings.HasPrefix(id, "evt_") {
		t.Fatalf("missing prefix: %s", id)
	}
	if len(id) != len("evt_")+24 {
		t.Fatalf("unexpected length %d for %s", len(id), id)
	}
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := WithPrefix(PrefixClaim)
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestSortable_OrdersByTime(t *testing.T) {
	base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 50; i++ {
		ids = append(ids, Sortable(PrefixSignal, base.Add(time.Duration(i)*time.Millisecond)))
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("ids not in mint order: %v", ids)
	}
}

func TestSortable_TimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 10, 15, 9, 30, 12, 345_000_000, time.UTC)
	id := Sortable(PrefixSignal, at)
	if len(id) != len(PrefixSignal)+24 {
		t.Fatalf("unexpected length %d for %s", len(id), id)
	}

	got, ok := Time(id, PrefixSignal)
	if !ok {
		t.Fatalf("Time(%s) not ok", id)
	}
	if !got.Equal(at) {
		t.Fatalf("Time = %v, want %v", got, at)
	}
}

func TestTime_Rejects(t *testing.T) {
	for _, id := range []string{
		"",
		"sig_short",
		"evt_0192a1b2c3d4e5f6a7b8c9d0",
		"sig_zz92a1b2c3d4e5f6a7b8c9d0",
	} {
		if _, ok := Time(id, PrefixSignal); ok {
			t.Errorf("Time(%q) unexpectedly ok", id)
		}
	}
}
