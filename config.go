package darkroom

import "time"

// Config holds tunables for the orchestration core. Zero values are
// replaced with the defaults from DefaultConfig by the engine.
type Config struct {
	// FlushDelay is how long after a terminal transition the durable
	// flush fires. Near-simultaneous terminal events within this window
	// coalesce into a single flush.
	FlushDelay time.Duration

	// IdempotencyCapacity bounds the per-job idempotency record set.
	// When full, the oldest key is evicted first.
	IdempotencyCapacity int

	// ReleaseAttempts bounds how many times a flush retries the ledger
	// release call before writing a dead-letter record.
	ReleaseAttempts int

	// ReleaseBackoffInitial and ReleaseBackoffMax shape the exponential
	// backoff between release attempts.
	ReleaseBackoffInitial time.Duration
	ReleaseBackoffMax     time.Duration

	// MailboxSize is the per-actor operation queue depth.
	MailboxSize int

	// IdleEviction is how long an actor may sit idle before the runtime
	// considers retiring it. Zero disables eviction.
	IdleEviction time.Duration

	// CallbackRate and CallbackBurst bound worker-callback ingestion per
	// job. Zero CallbackRate disables throttling.
	CallbackRate  float64
	CallbackBurst int

	// BatchConcurrency is the per-job parallelism hint sent to the
	// worker pool in the dispatch message.
	BatchConcurrency int

	// DedupeWindow is how long a dispatch dedupe key suppresses repeat
	// sends of the same job's work message.
	DedupeWindow time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FlushDelay:            1 * time.Second,
		IdempotencyCapacity:   512,
		ReleaseAttempts:       5,
		ReleaseBackoffInitial: 500 * time.Millisecond,
		ReleaseBackoffMax:     30 * time.Second,
		MailboxSize:           64,
		IdleEviction:          5 * time.Minute,
		CallbackRate:          100,
		CallbackBurst:         200,
		BatchConcurrency:      3,
		DedupeWindow:          5 * time.Minute,
	}
}
