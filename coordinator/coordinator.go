// Package coordinator implements the per-job state machine. A
// Coordinator owns exactly one job: its FSM, its item set, a bounded
// idempotency window for worker callbacks, and the terminal flush that
// journals the outcome and releases the user's reservation.
//
// A Coordinator is not safe for concurrent use; callers serialize
// access through an actor pool keyed by job id.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/backoff"
	"github.com/xraph/darkroom/deadletter"
	"github.com/xraph/darkroom/journal"
	"github.com/xraph/darkroom/retry"
)

// Releaser returns a job's unused reservation to the owning user's
// ledger. Implementations settle done+failed against total and refund
// the difference.
type Releaser interface {
	Release(ctx context.Context, userID, jobID string, done, failed, total int) error
}

// Flusher arms a one-shot flush for the given job. Repeated calls
// before the flush fires coalesce into a single flush.
type Flusher interface {
	Schedule(jobID string)
}

// Coordinator is the single-writer authority for one job.
type Coordinator struct {
	jobID string

	journal     journal.Store
	releaser    Releaser
	flusher     Flusher
	deadletters *deadletter.Service
	caller      *retry.Caller
	logger      *slog.Logger

	job   *Job
	items []*Item
	seen  *Ring

	flushed bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithJournal sets the store that receives the terminal flush.
func WithJournal(s journal.Store) Option {
	return func(c *Coordinator) { c.journal = s }
}

// WithReleaser sets the ledger release path used at flush time.
func WithReleaser(r Releaser) Option {
	return func(c *Coordinator) { c.releaser = r }
}

// WithFlusher sets the scheduler that arms the terminal flush.
func WithFlusher(f Flusher) Option {
	return func(c *Coordinator) { c.flusher = f }
}

// WithDeadLetters sets the sink for releases that exhaust their retries.
func WithDeadLetters(s *deadletter.Service) Option {
	return func(c *Coordinator) { c.deadletters = s }
}

// WithRetry sets the retry policy for the release call.
func WithRetry(r *retry.Caller) Option {
	return func(c *Coordinator) { c.caller = r }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithIdempotencyCapacity bounds the callback dedupe window.
func WithIdempotencyCapacity(n int) Option {
	return func(c *Coordinator) { c.seen = NewRing(n) }
}

// New returns a coordinator for jobID with no job loaded yet. The job
// comes into existence on the first Create call.
func New(jobID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		jobID:  jobID,
		seen:   NewRing(darkroom.DefaultConfig().IdempotencyCapacity),
		caller: retry.New(backoff.DefaultStrategy(), 1),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create initializes the job with totalItems pending items and
// pre-assigned input keys. Calling Create again for an existing job is
// a no-op, so retried creation requests converge on one job.
func (c *Coordinator) Create(ctx context.Context, userID, preset string, totalItems int) (*Snapshot, error) {
	if c.job != nil {
		return c.snapshot(), nil
	}
	if totalItems < 1 {
		return nil, fmt.Errorf("coordinator: create %s: total items must be positive, got %d", c.jobID, totalItems)
	}
	c.job = &Job{
		ID:         c.jobID,
		UserID:     userID,
		Status:     StatusCreated,
		Preset:     preset,
		TotalItems: totalItems,
		CreatedAt:  time.Now().UTC(),
	}
	c.items = make([]*Item, totalItems)
	for i := range c.items {
		c.items[i] = &Item{
			JobID:    c.jobID,
			Idx:      i,
			Status:   ItemPending,
			InputKey: darkroom.InputKey(userID, c.jobID, i),
		}
	}
	c.logger.Info("job created",
		slog.String("job_id", c.jobID),
		slog.String("user_id", userID),
		slog.Int("total_items", totalItems))
	return c.snapshot(), nil
}

// ConfirmUpload moves the job from created to uploaded. Confirming
// twice, or confirming an unqueued-but-already-advanced job, is a
// state error.
func (c *Coordinator) ConfirmUpload(ctx context.Context) error {
	return c.transition(StatusUploaded)
}

// MarkQueued records the processing parameters and moves the job to
// queued. The caller dispatches the work message only after MarkQueued
// succeeds.
func (c *Coordinator) MarkQueued(ctx context.Context, concepts map[string]darkroom.Concept, protect []string, ruleID string) error {
	if c.job == nil {
		return fmt.Errorf("coordinator: mark queued %s: %w", c.jobID, darkroom.ErrJobNotFound)
	}
	if err := c.transition(StatusQueued); err != nil {
		return err
	}
	c.job.Concepts = cloneConcepts(concepts)
	c.job.Protect = append([]string(nil), protect...)
	c.job.RuleID = ruleID
	return nil
}

// OnItemResult applies one worker callback. Redeliveries (same
// idempotency key, or a result for an already-settled item) are
// absorbed and acknowledged as duplicates, including replays of applied
// keys after the job reached a terminal state. New results arriving
// after a terminal state are acknowledged but not applied.
func (c *Coordinator) OnItemResult(ctx context.Context, res ItemResult) (Ack, error) {
	if c.job == nil {
		return Ack{}, fmt.Errorf("coordinator: item result %s: %w", c.jobID, darkroom.ErrJobNotFound)
	}
	if res.Idx < 0 || res.Idx >= c.job.TotalItems {
		return Ack{}, fmt.Errorf("coordinator: item result %s: idx %d of %d: %w",
			c.jobID, res.Idx, c.job.TotalItems, darkroom.ErrItemOutOfRange)
	}
	if res.Status != ItemDone && res.Status != ItemFailed {
		return Ack{}, fmt.Errorf("coordinator: item result %s idx %d: invalid status %q", c.jobID, res.Idx, res.Status)
	}
	if c.job.Status.Terminal() {
		if c.seen.Contains(res.IdempotencyKey) {
			return Ack{Duplicate: true, Status: c.job.Status}, nil
		}
		c.logger.Debug("item result after terminal state, ignored",
			slog.String("job_id", c.jobID),
			slog.Int("idx", res.Idx),
			slog.String("job_status", string(c.job.Status)))
		return Ack{Status: c.job.Status}, nil
	}
	if c.seen.Observe(res.IdempotencyKey) {
		return Ack{Duplicate: true, Status: c.job.Status}, nil
	}

	item := c.items[res.Idx]
	if item.Status != ItemPending {
		// Settled under a different delivery key; still a redelivery.
		return Ack{Duplicate: true, Status: c.job.Status}, nil
	}

	if c.job.Status == StatusQueued {
		if err := c.transition(StatusRunning); err != nil {
			return Ack{}, err
		}
	}

	item.Status = res.Status
	switch res.Status {
	case ItemDone:
		item.OutputKey = res.OutputKey
		if item.OutputKey == "" {
			item.OutputKey = darkroom.OutputKey(c.job.UserID, c.jobID, res.Idx)
		}
		item.PreviewKey = res.PreviewKey
		c.job.DoneItems++
	case ItemFailed:
		item.Error = res.Error
		c.job.FailedItems++
	}

	if c.job.DoneItems+c.job.FailedItems == c.job.TotalItems {
		terminal := StatusFailed
		if c.job.DoneItems > 0 {
			terminal = StatusDone
		}
		if err := c.transition(terminal); err != nil {
			return Ack{}, err
		}
	}
	return Ack{Applied: true, Status: c.job.Status}, nil
}

// Cancel moves the job to canceled. Canceling a terminal job is
// rejected with ErrTerminalState.
func (c *Coordinator) Cancel(ctx context.Context) error {
	return c.transition(StatusCanceled)
}

// Snapshot returns a copy of the job and its items.
func (c *Coordinator) Snapshot(ctx context.Context) (*Snapshot, error) {
	if c.job == nil {
		return nil, fmt.Errorf("coordinator: snapshot %s: %w", c.jobID, darkroom.ErrJobNotFound)
	}
	return c.snapshot(), nil
}

// Flush journals the terminal outcome, then releases the user's
// reservation. Journal failures propagate so the scheduler can re-arm;
// release failures exhaust their retries and land in the dead-letter
// store instead of failing the flush.
func (c *Coordinator) Flush(ctx context.Context) error {
	if c.job == nil {
		return fmt.Errorf("coordinator: flush %s: %w", c.jobID, darkroom.ErrJobNotFound)
	}
	if !c.job.Status.Terminal() {
		return fmt.Errorf("coordinator: flush %s: status %q is not terminal", c.jobID, c.job.Status)
	}
	if c.flushed {
		return nil
	}

	if c.journal != nil {
		if err := c.journal.UpsertJob(ctx, c.jobRecord()); err != nil {
			return fmt.Errorf("coordinator: flush %s: journal job: %w", c.jobID, err)
		}
		if err := c.journal.UpsertItems(ctx, c.jobID, c.itemRecords()); err != nil {
			return fmt.Errorf("coordinator: flush %s: journal items: %w", c.jobID, err)
		}
	}

	if c.releaser != nil {
		job := c.job
		err := c.caller.Do(ctx, "ledger.release", func(ctx context.Context) error {
			return c.releaser.Release(ctx, job.UserID, job.ID, job.DoneItems, job.FailedItems, job.TotalItems)
		})
		if err != nil {
			c.logger.Error("reservation release exhausted retries",
				slog.String("job_id", c.jobID),
				slog.String("user_id", job.UserID),
				slog.Any("error", err))
			if c.deadletters != nil {
				args := deadletter.ReleaseArgs{
					JobID:       job.ID,
					UserID:      job.UserID,
					DoneItems:   job.DoneItems,
					FailedItems: job.FailedItems,
					TotalItems:  job.TotalItems,
				}
				if dlErr := c.deadletters.PushRelease(ctx, args, c.caller.Attempts(), err); dlErr != nil {
					return fmt.Errorf("coordinator: flush %s: dead-letter release: %w", c.jobID, dlErr)
				}
			}
		}
	}

	c.flushed = true
	c.logger.Info("job flushed",
		slog.String("job_id", c.jobID),
		slog.String("status", string(c.job.Status)),
		slog.Int("done", c.job.DoneItems),
		slog.Int("failed", c.job.FailedItems))
	return nil
}

// Retire reports whether the coordinator can be evicted from its pool:
// either no job was ever created, or the job is terminal and flushed.
func (c *Coordinator) Retire() bool {
	if c.job == nil {
		return true
	}
	return c.job.Status.Terminal() && c.flushed
}

// transition applies the FSM edge to `to`, stamping FinishedAt and
// arming the flush when `to` is terminal.
func (c *Coordinator) transition(to Status) error {
	if c.job == nil {
		return fmt.Errorf("coordinator: transition %s: %w", c.jobID, darkroom.ErrJobNotFound)
	}
	from := c.job.Status
	if from.Terminal() {
		return fmt.Errorf("coordinator: transition %s: %s → %s: %w", c.jobID, from, to, darkroom.ErrTerminalState)
	}
	if !from.canTransition(to) {
		return fmt.Errorf("coordinator: transition %s: %s → %s: %w", c.jobID, from, to, darkroom.ErrInvalidTransition)
	}
	c.job.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		c.job.FinishedAt = &now
		if c.flusher != nil {
			c.flusher.Schedule(c.jobID)
		}
	}
	c.logger.Debug("job transition",
		slog.String("job_id", c.jobID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return nil
}

func (c *Coordinator) snapshot() *Snapshot {
	snap := &Snapshot{Job: *c.job, Items: make([]Item, len(c.items))}
	snap.Job.Concepts = cloneConcepts(c.job.Concepts)
	snap.Job.Protect = append([]string(nil), c.job.Protect...)
	if c.job.FinishedAt != nil {
		t := *c.job.FinishedAt
		snap.Job.FinishedAt = &t
	}
	for i, it := range c.items {
		snap.Items[i] = *it
	}
	return snap
}

func (c *Coordinator) jobRecord() *journal.JobRecord {
	rec := &journal.JobRecord{
		JobID:       c.job.ID,
		UserID:      c.job.UserID,
		Status:      string(c.job.Status),
		Preset:      c.job.Preset,
		RuleID:      c.job.RuleID,
		TotalItems:  c.job.TotalItems,
		DoneItems:   c.job.DoneItems,
		FailedItems: c.job.FailedItems,
		CreatedAt:   c.job.CreatedAt,
	}
	if len(c.job.Concepts) > 0 {
		if raw, err := json.Marshal(c.job.Concepts); err == nil {
			rec.Concepts = raw
		}
	}
	if len(c.job.Protect) > 0 {
		if raw, err := json.Marshal(c.job.Protect); err == nil {
			rec.Protect = raw
		}
	}
	if c.job.FinishedAt != nil {
		t := *c.job.FinishedAt
		rec.FinishedAt = &t
	}
	return rec
}

func (c *Coordinator) itemRecords() []*journal.ItemRecord {
	recs := make([]*journal.ItemRecord, len(c.items))
	for i, it := range c.items {
		recs[i] = &journal.ItemRecord{
			JobID:     it.JobID,
			Idx:       it.Idx,
			Status:    string(it.Status),
			InputKey:  it.InputKey,
			OutputKey: it.OutputKey,
			Error:     it.Error,
		}
	}
	return recs
}

func cloneConcepts(in map[string]darkroom.Concept) map[string]darkroom.Concept {
	if in == nil {
		return nil
	}
	out := make(map[string]darkroom.Concept, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
