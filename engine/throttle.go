package engine

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long an untouched limiter survives before the
// next sweep drops it. Keeps the map bounded when callbacks arrive for
// stale or unknown job ids, which never reach forget.
const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	lim     *rate.Limiter
	touched time.Time
}

// throttle bounds callback ingestion per job with a token-bucket
// limiter per key. A zero rate disables throttling entirely.
type throttle struct {
	rateLimit float64
	burst     int

	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
}

func newThrottle(rateLimit float64, burst int) *throttle {
	if burst <= 0 {
		burst = 1
	}
	return &throttle{
		rateLimit: rateLimit,
		burst:     burst,
		limiters:  make(map[string]*limiterEntry),
		lastSweep: time.Now(),
	}
}

// allow reports whether one more callback for key fits in its budget.
func (t *throttle) allow(key string) bool {
	if t.rateLimit <= 0 {
		return true
	}

	now := time.Now()

	t.mu.Lock()
	if now.Sub(t.lastSweep) >= limiterIdle {
		t.sweepLocked(now)
	}
	ent := t.limiters[key]
	if ent == nil {
		ent = &limiterEntry{lim: rate.NewLimiter(rate.Limit(t.rateLimit), t.burst)}
		t.limiters[key] = ent
	}
	ent.touched = now
	t.mu.Unlock()

	return ent.lim.Allow()
}

// forget drops the limiter for a key once its job is terminal.
func (t *throttle) forget(key string) {
	t.mu.Lock()
	delete(t.limiters, key)
	t.mu.Unlock()
}

func (t *throttle) sweepLocked(now time.Time) {
	for key, ent := range t.limiters {
		if now.Sub(ent.touched) >= limiterIdle {
			delete(t.limiters, key)
		}
	}
	t.lastSweep = now
}
