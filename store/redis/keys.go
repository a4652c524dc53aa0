package redis

// Redis key naming conventions for darkroom data.
// All keys are prefixed with "darkroom:" to avoid collisions.

const keyPrefix = "darkroom:"

// ── Dispatch keys ──

// workStreamKey is the Stream carrying batch work messages.
const workStreamKey = keyPrefix + "gpu:work"

// dedupeMarkerKey returns the NX marker for a dispatch dedupe key:
// darkroom:gpu:dedupe:{key}
func dedupeMarkerKey(key string) string { return keyPrefix + "gpu:dedupe:" + key }

// ── Dead-letter keys ──

// deadletterKey returns the key for an entry blob: darkroom:deadletter:{id}
func deadletterKey(id string) string { return keyPrefix + "deadletter:" + id }

// deadletterIndexKey is the Sorted Set ordering entry IDs by failure
// time for enumeration.
const deadletterIndexKey = keyPrefix + "deadletter_idx"
