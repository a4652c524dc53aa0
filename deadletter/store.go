package deadletter

import (
	"context"
	"time"

	"github.com/xraph/darkroom/id"
)

// ListOpts controls pagination and filtering for dead-letter list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// Op filters by operation name. Empty means all operations.
	Op string
}

// Store defines the persistence contract for dead-letter entries.
type Store interface {
	// PushEntry adds an entry.
	PushEntry(ctx context.Context, entry *Entry) error

	// ListEntries returns entries matching the given options, newest first.
	ListEntries(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetEntry retrieves an entry by ID. Returns darkroom.ErrEntryNotFound
	// if absent.
	GetEntry(ctx context.Context, entryID id.ID) (*Entry, error)

	// ResolveEntry marks an entry as manually reconciled.
	ResolveEntry(ctx context.Context, entryID id.ID) error

	// PurgeEntries removes entries that failed before the given time.
	// Returns the number removed.
	PurgeEntries(ctx context.Context, before time.Time) (int64, error)

	// CountEntries returns the total number of unresolved entries.
	CountEntries(ctx context.Context) (int64, error)
}
