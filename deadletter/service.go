package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xraph/darkroom/id"
)

// Service provides high-level dead-letter operations over a Store.
type Service struct {
	store Store
}

// NewService creates a dead-letter service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// ReleaseArgs captures the arguments of a failed ledger release so an
// operator can replay it by hand.
type ReleaseArgs struct {
	JobID       string `json:"job_id"`
	UserID      string `json:"user_id"`
	DoneItems   int    `json:"done_items"`
	FailedItems int    `json:"failed_items"`
	TotalItems  int    `json:"total_items"`
}

// PushRelease records a ledger release call that exhausted its retries.
func (s *Service) PushRelease(ctx context.Context, args ReleaseArgs, attempts int, callErr error) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry := &Entry{
		ID:        id.NewDeadLetterID(),
		Op:        "ledger.release",
		JobID:     args.JobID,
		UserID:    args.UserID,
		Payload:   payload,
		Error:     callErr.Error(),
		Attempts:  attempts,
		FailedAt:  now,
		CreatedAt: now,
	}
	return s.store.PushEntry(ctx, entry)
}

// Store returns the underlying store for direct access to List, Get,
// Resolve, Purge, and Count.
func (s *Service) Store() Store {
	return s.store
}
