package clock

import (
	"sort"
	"testing"
)

func TestMonotonicNeverDecreases(t *testing.T) {
	t.Parallel()

	c := NewMonotonic()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		if now < prev {
			t.Fatalf("Now() went backwards: %v after %v", now, prev)
		}
		prev = now
	}
}

func TestManualAdvance(t *testing.T) {
	t.Parallel()

	c := NewManual(10)
	if got := c.Now(); got != 10 {
		t.Errorf("Now() = %v, want 10", got)
	}
	c.Advance(2.5)
	if got := c.Now(); got != 12.5 {
		t.Errorf("Now() after Advance = %v, want 12.5", got)
	}
	c.Advance(-5)
	if got := c.Now(); got != 12.5 {
		t.Errorf("Now() after negative Advance = %v, want 12.5", got)
	}
	c.Set(11) // behind, ignored
	if got := c.Now(); got != 12.5 {
		t.Errorf("Now() after backwards Set = %v, want 12.5", got)
	}
	c.Set(20)
	if got := c.Now(); got != 20 {
		t.Errorf("Now() after Set = %v, want 20", got)
	}
}

func TestSessionIDsSortByCreation(t *testing.T) {
	t.Parallel()

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = NewSessionID()
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("session IDs not time ordered at index %d: %q vs %q", i, ids[i], sorted[i])
		}
	}
}

func TestSessionIDsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewSessionID()
		if seen[id] {
			t.Fatalf("duplicate session ID %q", id)
		}
		seen[id] = true
	}
}
