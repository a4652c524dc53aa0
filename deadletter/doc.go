// Package deadletter holds cross-actor calls that exhausted their retry
// budget, for later manual reconciliation. The canonical producer is the
// coordinator's durable flush: when the ledger release call keeps failing
// after the journal write already succeeded, the flush records the
// release here instead of re-attempting the flush forever.
package deadletter
