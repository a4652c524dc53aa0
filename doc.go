// Package darkroom provides the durable orchestration core for a GPU-backed
// batch image-processing pipeline. Clients upload a batch of images, pick a
// transformation preset, and the backend dispatches per-image work to a
// remote worker pool while tracking progress and billing consumption per
// user.
//
// The core is a pair of single-writer, per-entity state machines:
//
//   - coordinator.Coordinator — one per job. Owns the job's lifecycle FSM,
//     per-item progress, a bounded idempotency record set for worker
//     callbacks, and a durable flush into the append-only journal.
//   - ledger.Ledger — one per user. Owns the credit balance, the active-job
//     concurrency counter, and rule-slot usage, with atomic
//     reserve/commit/rollback/release semantics.
//
// Both run on the actor runtime in the actor package: every operation
// against one entity is processed strictly one at a time, so all invariants
// are sequential properties and no internal locking is needed. Calls
// between actors are treated as fallible remote calls — bounded retry with
// exponential backoff, then a dead-letter record for manual reconciliation.
//
// Darkroom is designed as a library, not a service. The engine package is
// the orchestration entrypoint; plug in a store backend (store/memory,
// store/postgres) and a dispatch channel (gpuq, store/redis) and drive it
// from whatever transport the host application provides.
package darkroom
