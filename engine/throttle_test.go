package engine

import (
	"testing"
	"time"
)

func TestThrottle_ZeroRateAlwaysAllows(t *testing.T) {
	th := newThrottle(0, 0)
	for i := 0; i < 100; i++ {
		if !th.allow("job-1") {
			t.Fatal("zero-rate throttle denied a callback")
		}
	}
	if len(th.limiters) != 0 {
		t.Errorf("limiters = %d, want 0", len(th.limiters))
	}
}

func TestThrottle_ForgetDropsLimiter(t *testing.T) {
	th := newThrottle(100, 10)
	th.allow("job-1")
	th.forget("job-1")
	if len(th.limiters) != 0 {
		t.Errorf("limiters = %d after forget, want 0", len(th.limiters))
	}
}

func TestThrottle_SweepDropsIdleLimiters(t *testing.T) {
	th := newThrottle(100, 10)
	th.allow("job-stale")
	th.allow("job-live")

	// Jobs that never reach forget (junk ids, lost callbacks) must not
	// pin their limiters forever. Backdate the stale entry past the idle
	// window so the next allow sweeps it.
	th.mu.Lock()
	th.limiters["job-stale"].touched = time.Now().Add(-2 * limiterIdle)
	th.lastSweep = time.Now().Add(-2 * limiterIdle)
	th.mu.Unlock()

	if !th.allow("job-live") {
		t.Fatal("live job denied")
	}

	th.mu.Lock()
	defer th.mu.Unlock()
	if _, ok := th.limiters["job-stale"]; ok {
		t.Error("stale limiter survived the sweep")
	}
	if _, ok := th.limiters["job-live"]; !ok {
		t.Error("live limiter swept")
	}
}
