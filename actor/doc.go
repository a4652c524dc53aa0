// Package actor provides the single-writer runtime the coordinator and
// ledger entities run on.
//
// A Pool addresses one instance per entity key. Each instance is served by
// a dedicated goroutine draining a mailbox, so operations against one
// entity execute strictly one at a time and every entity invariant is a
// purely sequential property — no locking inside an instance.
//
// Instances are constructed lazily inside the mailbox goroutine on the
// first operation; while construction runs, queued operations wait, which
// gives the "no operation before the entity's storage is initialized"
// guarantee without any global flag. Idle instances whose state is safe to
// drop (see WithRetire) are evicted, and a later operation transparently
// re-creates them.
package actor
