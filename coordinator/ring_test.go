package coordinator_test

import (
	"fmt"
	"testing"

	"github.com/xraph/darkroom/coordinator"
)

func TestRing_ObserveReportsDuplicates(t *testing.T) {
	r := coordinator.NewRing(8)

	if seen := r.Observe("a"); seen {
		t.Error("first Observe(a) reported seen")
	}
	if seen := r.Observe("a"); !seen {
		t.Error("second Observe(a) not reported seen")
	}
	if seen := r.Observe("b"); seen {
		t.Error("first Observe(b) reported seen")
	}
	if got, want := r.Len(), 2; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
}

func TestRing_EvictsOldestWhenFull(t *testing.T) {
	r := coordinator.NewRing(3)
	for _, k := range []string{"a", "b", "c"} {
		r.Observe(k)
	}

	// "d" displaces "a", the oldest key.
	if seen := r.Observe("d"); seen {
		t.Error("Observe(d) reported seen")
	}
	if r.Contains("a") {
		t.Error("oldest key still present after eviction")
	}
	for _, k := range []string{"b", "c", "d"} {
		if !r.Contains(k) {
			t.Errorf("key %q missing after eviction of oldest", k)
		}
	}
	if got, want := r.Len(), 3; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
}

func TestRing_ReobservedEvictedKeyIsNew(t *testing.T) {
	r := coordinator.NewRing(2)
	r.Observe("a")
	r.Observe("b")
	r.Observe("c") // evicts a

	if seen := r.Observe("a"); seen {
		t.Error("evicted key reported as seen")
	}
}

func TestRing_LenNeverExceedsCapacity(t *testing.T) {
	r := coordinator.NewRing(16)
	for i := 0; i < 100; i++ {
		r.Observe(fmt.Sprintf("key-%d", i))
	}
	if got := r.Len(); got != 16 {
		t.Errorf("Len() = %d, want 16", got)
	}
	// The 16 newest keys survive.
	for i := 84; i < 100; i++ {
		if !r.Contains(fmt.Sprintf("key-%d", i)) {
			t.Errorf("recent key key-%d evicted", i)
		}
	}
	if r.Contains("key-83") {
		t.Error("key outside the window still present")
	}
}
