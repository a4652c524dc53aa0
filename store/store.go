// Package store defines the aggregate persistence interface. Each
// subsystem (ledger, journal, deadletter) defines its own store
// interface; the composite Store composes them all. Backends: Postgres
// and Memory. Redis backs the dispatch channel and a dead-letter store,
// not the full composite.
package store

import (
	"context"

	"github.com/xraph/darkroom/deadletter"
	"github.com/xraph/darkroom/journal"
	"github.com/xraph/darkroom/ledger"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store plus lifecycle.
type Store interface {
	ledger.Store
	journal.Store
	deadletter.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
