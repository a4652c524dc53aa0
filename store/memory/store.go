package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/deadletter"
	"github.com/xraph/darkroom/id"
	"github.com/xraph/darkroom/journal"
	"github.com/xraph/darkroom/ledger"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ ledger.Store     = (*Store)(nil)
	_ journal.Store    = (*Store)(nil)
	_ deadletter.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	accounts     map[string]*ledger.Account
	reservations map[string]*ledger.Reservation
	billing      []*ledger.BillingEvent
	jobs         map[string]*journal.JobRecord
	items        map[string][]*journal.ItemRecord
	deadletters  map[string]*deadletter.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]*ledger.Account),
		reservations: make(map[string]*ledger.Reservation),
		jobs:         make(map[string]*journal.JobRecord),
		items:        make(map[string][]*journal.ItemRecord),
		deadletters:  make(map[string]*deadletter.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Ledger Store
// ──────────────────────────────────────────────────

// GetAccount retrieves an account by user ID.
func (m *Store) GetAccount(_ context.Context, userID string) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return nil, darkroom.ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

// SaveAccount upserts an account row.
func (m *Store) SaveAccount(_ context.Context, acct *ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *acct
	cp.UpdatedAt = time.Now().UTC()
	m.accounts[acct.UserID] = &cp
	return nil
}

// PutReservation upserts the reservation for a job.
func (m *Store) PutReservation(_ context.Context, res *ledger.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *res
	m.reservations[res.JobID] = &cp
	return nil
}

// GetReservation retrieves the reservation for a job.
func (m *Store) GetReservation(_ context.Context, jobID string) (*ledger.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.reservations[jobID]
	if !ok {
		return nil, darkroom.ErrReservationNotFound
	}
	cp := *res
	return &cp, nil
}

// DeleteReservation removes the reservation for a job. Absent is fine.
func (m *Store) DeleteReservation(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.reservations, jobID)
	return nil
}

// AppendBilling appends a billing event to the audit trail.
func (m *Store) AppendBilling(_ context.Context, evt *ledger.BillingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *evt
	m.billing = append(m.billing, &cp)
	return nil
}

// ListBilling returns up to limit billing events for a user, newest first.
func (m *Store) ListBilling(_ context.Context, userID string, limit int) ([]*ledger.BillingEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ledger.BillingEvent, 0)
	for i := len(m.billing) - 1; i >= 0; i-- {
		if m.billing[i].UserID != userID {
			continue
		}
		cp := *m.billing[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Journal Store
// ──────────────────────────────────────────────────

// UpsertJob writes or replaces the job's log row.
func (m *Store) UpsertJob(_ context.Context, rec *journal.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.jobs[rec.JobID] = &cp
	return nil
}

// UpsertItems writes or replaces the item log rows for a job.
func (m *Store) UpsertItems(_ context.Context, jobID string, items []*journal.ItemRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]*journal.ItemRecord, len(items))
	for i, it := range items {
		cp := *it
		rows[i] = &cp
	}
	sort.Slice(rows, func(i, k int) bool { return rows[i].Idx < rows[k].Idx })
	m.items[jobID] = rows
	return nil
}

// GetJob retrieves a job log row.
func (m *Store) GetJob(_ context.Context, jobID string) (*journal.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.jobs[jobID]
	if !ok {
		return nil, darkroom.ErrJobNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListItems returns the item log rows for a job ordered by index.
func (m *Store) ListItems(_ context.Context, jobID string) ([]*journal.ItemRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.items[jobID]
	out := make([]*journal.ItemRecord, len(rows))
	for i, r := range rows {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Dead-Letter Store
// ──────────────────────────────────────────────────

// PushEntry adds a dead-letter entry.
func (m *Store) PushEntry(_ context.Context, entry *deadletter.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.deadletters[entry.ID.String()] = &cp
	return nil
}

// ListEntries returns entries matching the given options, newest first.
func (m *Store) ListEntries(_ context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*deadletter.Entry, 0, len(m.deadletters))
	for _, e := range m.deadletters {
		if opts.Op != "" && e.Op != opts.Op {
			continue
		}
		cp := *e
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].FailedAt.After(all[k].FailedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(all) {
			return []*deadletter.Entry{}, nil
		}
		all = all[opts.Offset:]
	}
	if opts.Limit > 0 && len(all) > opts.Limit {
		all = all[:opts.Limit]
	}
	return all, nil
}

// GetEntry retrieves a dead-letter entry by ID.
func (m *Store) GetEntry(_ context.Context, entryID id.ID) (*deadletter.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.deadletters[entryID.String()]
	if !ok {
		return nil, darkroom.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

// ResolveEntry marks an entry as manually reconciled.
func (m *Store) ResolveEntry(_ context.Context, entryID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.deadletters[entryID.String()]
	if !ok {
		return darkroom.ErrEntryNotFound
	}
	now := time.Now().UTC()
	e.ResolvedAt = &now
	return nil
}

// PurgeEntries removes entries that failed before the given time.
func (m *Store) PurgeEntries(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, e := range m.deadletters {
		if e.FailedAt.Before(before) {
			delete(m.deadletters, k)
			n++
		}
	}
	return n, nil
}

// CountEntries returns the total number of unresolved entries.
func (m *Store) CountEntries(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, e := range m.deadletters {
		if e.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}
