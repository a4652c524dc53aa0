// Package engine wires all darkroom subsystems together: the coordinator
// and ledger actor pools, the dispatch channel, the flush scheduler, and
// the dead-letter path.
//
// This package exists to break the import cycle: coordinator defines the
// narrow Releaser and Flusher interfaces it needs, ledger owns account
// state, and the engine sits above both and plugs them together.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/actor"
	"github.com/xraph/darkroom/backoff"
	"github.com/xraph/darkroom/coordinator"
	"github.com/xraph/darkroom/deadletter"
	"github.com/xraph/darkroom/gpuq"
	"github.com/xraph/darkroom/id"
	"github.com/xraph/darkroom/journal"
	"github.com/xraph/darkroom/ledger"
	"github.com/xraph/darkroom/retry"
)

// Engine is the orchestration facade. All job and user operations go
// through it; it routes each one to the owning actor.
type Engine struct {
	cfg    darkroom.Config
	logger *slog.Logger

	ledgerStore  ledger.Store
	journalStore journal.Store
	channel      gpuq.Channel

	jobs  *actor.Pool[*coordinator.Coordinator]
	users *actor.Pool[*ledger.Ledger]

	deadletters *deadletter.Service
	throttles   *throttle
	metrics     *metrics

	callbackURL   string
	meterProvider metric.MeterProvider

	flushMu     sync.Mutex
	flushTimers map[string]*time.Timer
	closed      bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine tunables. Zero fields fall back to
// darkroom.DefaultConfig values.
func WithConfig(cfg darkroom.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCallbackURL sets the URL workers post item results to. It travels
// inside every work message.
func WithCallbackURL(u string) Option {
	return func(e *Engine) { e.callbackURL = u }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// Build creates an Engine. The store must implement ledger.Store,
// journal.Store, and deadletter.Store (store/memory and store/postgres
// both do); channel is where executed jobs are dispatched.
func Build(store any, channel gpuq.Channel, opts ...Option) (*Engine, error) {
	ls, ok := store.(ledger.Store)
	if !ok {
		return nil, fmt.Errorf("darkroom: store does not implement ledger.Store")
	}
	js, ok := store.(journal.Store)
	if !ok {
		return nil, fmt.Errorf("darkroom: store does not implement journal.Store")
	}
	dls, ok := store.(deadletter.Store)
	if !ok {
		return nil, fmt.Errorf("darkroom: store does not implement deadletter.Store")
	}
	if channel == nil {
		return nil, fmt.Errorf("darkroom: nil dispatch channel")
	}

	e := &Engine{
		cfg:          darkroom.DefaultConfig(),
		logger:       slog.Default(),
		ledgerStore:  ls,
		journalStore: js,
		channel:      channel,
		flushTimers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = applyDefaults(e.cfg)

	e.deadletters = deadletter.NewService(dls)
	e.throttles = newThrottle(e.cfg.CallbackRate, e.cfg.CallbackBurst)

	if e.meterProvider != nil {
		e.metrics = newMetrics(e.meterProvider.Meter(meterName))
	} else {
		e.metrics = globalMetrics()
	}

	releaseRetry := retry.New(
		backoff.NewExponentialWithJitter(e.cfg.ReleaseBackoffInitial, e.cfg.ReleaseBackoffMax),
		e.cfg.ReleaseAttempts,
		retry.WithLogger(e.logger),
	)

	e.users = actor.NewPool(
		func(ctx context.Context, userID string) (*ledger.Ledger, error) {
			return ledger.New(ctx, userID, e.ledgerStore, ledger.WithLogger(e.logger))
		},
		actor.WithMailboxSize[*ledger.Ledger](e.cfg.MailboxSize),
		actor.WithIdleAfter[*ledger.Ledger](e.cfg.IdleEviction),
		actor.WithLogger[*ledger.Ledger](e.logger),
	)

	e.jobs = actor.NewPool(
		func(ctx context.Context, jobID string) (*coordinator.Coordinator, error) {
			return coordinator.New(jobID,
				coordinator.WithJournal(e.journalStore),
				coordinator.WithReleaser(&poolReleaser{users: e.users}),
				coordinator.WithFlusher(e),
				coordinator.WithDeadLetters(e.deadletters),
				coordinator.WithRetry(releaseRetry),
				coordinator.WithIdempotencyCapacity(e.cfg.IdempotencyCapacity),
				coordinator.WithLogger(e.logger),
			), nil
		},
		actor.WithMailboxSize[*coordinator.Coordinator](e.cfg.MailboxSize),
		actor.WithIdleAfter[*coordinator.Coordinator](e.cfg.IdleEviction),
		actor.WithRetire[*coordinator.Coordinator]((*coordinator.Coordinator).Retire),
		actor.WithLogger[*coordinator.Coordinator](e.logger),
	)

	return e, nil
}

// applyDefaults replaces zero config fields with package defaults.
func applyDefaults(cfg darkroom.Config) darkroom.Config {
	def := darkroom.DefaultConfig()
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = def.FlushDelay
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = def.IdempotencyCapacity
	}
	if cfg.ReleaseAttempts <= 0 {
		cfg.ReleaseAttempts = def.ReleaseAttempts
	}
	if cfg.ReleaseBackoffInitial <= 0 {
		cfg.ReleaseBackoffInitial = def.ReleaseBackoffInitial
	}
	if cfg.ReleaseBackoffMax <= 0 {
		cfg.ReleaseBackoffMax = def.ReleaseBackoffMax
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}
	return cfg
}

// poolReleaser adapts the user actor pool to coordinator.Releaser.
// This breaks the import cycle: coordinator defines the interface, the
// ledger provides the implementation, and the engine plugs them
// together.
type poolReleaser struct {
	users *actor.Pool[*ledger.Ledger]
}

func (r *poolReleaser) Release(ctx context.Context, userID, jobID string, done, failed, total int) error {
	return r.users.Do(ctx, userID, func(ctx context.Context, l *ledger.Ledger) error {
		return l.Release(ctx, jobID, done, failed, total)
	})
}

// ──────────────────────────────────────────────────
// User operations
// ──────────────────────────────────────────────────

// InitUser creates the user's account with the plan's starting credits.
// Re-initializing an existing user never resets the balance.
func (e *Engine) InitUser(ctx context.Context, userID string, plan darkroom.Plan) error {
	return e.users.Do(ctx, userID, func(ctx context.Context, l *ledger.Ledger) error {
		return l.Init(ctx, plan)
	})
}

// UserState returns the user's balance, counters, and plan limits.
func (e *Engine) UserState(ctx context.Context, userID string) (ledger.State, error) {
	var state ledger.State
	err := e.users.Do(ctx, userID, func(ctx context.Context, l *ledger.Ledger) error {
		var stateErr error
		state, stateErr = l.State(ctx)
		return stateErr
	})
	return state, err
}

// CommitJob clears the credit reservation for a job whose hold should
// stand as spent. Committing an unknown reservation is a no-op; the
// activeJobs count and any refund are settled by the release at flush.
func (e *Engine) CommitJob(ctx context.Context, userID, jobID string) error {
	return e.users.Do(ctx, userID, func(ctx context.Context, l *ledger.Ledger) error {
		return l.Commit(ctx, jobID)
	})
}

// CheckRuleSlot reports whether the user may claim another rule slot.
func (e *Engine) CheckRuleSlot(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := e.users.Do(ctx, userID, func(ctx context.Context, l *ledger.Ledger) error {
		var checkErr error
		ok, checkErr = l.CheckRuleSlot(ctx)
		return checkErr
	})
	return ok, err
}

// ClaimRuleSlot claims a rule slot, denying at the plan's cap.
func (e *Engine) ClaimRuleSlot(ctx context.Context, userID string) error {
	return e.users.Do(ctx, userID, func(ctx context.Context, l *ledger.Ledger) error {
		return l.IncrementRuleSlot(ctx)
	})
}

// ReleaseRuleSlot returns a rule slot, floored at zero.
func (e *Engine) ReleaseRuleSlot(ctx context.Context, userID string) error {
	return e.users.Do(ctx, userID, func(ctx context.Context, l *ledger.Ledger) error {
		return l.DecrementRuleSlot(ctx)
	})
}

// ListBilling returns up to limit billing events for a user, newest
// first.
func (e *Engine) ListBilling(ctx context.Context, userID string, limit int) ([]*ledger.BillingEvent, error) {
	return e.ledgerStore.ListBilling(ctx, userID, limit)
}

// ──────────────────────────────────────────────────
// Job operations
// ──────────────────────────────────────────────────

// CreateJob reserves resources on the user's ledger and creates the job
// with pre-assigned input keys. On a denied or failed reservation no job
// comes into existence; if job creation fails after the reservation, the
// reservation is rolled back.
func (e *Engine) CreateJob(ctx context.Context, userID, preset string, totalItems int) (*coordinator.Snapshot, error) {
	jobID := id.NewJobID().String()

	err := e.users.Do(ctx, userID, func(ctx context.Context, l *ledger.Ledger) error {
		return l.Reserve(ctx, jobID, totalItems)
	})
	if err != nil {
		var denied *ledger.DeniedError
		if errors.As(err, &denied) {
			e.metrics.reservesDenied.Add(ctx, 1, reasonAttr(string(denied.Reason)))
		}
		return nil, err
	}

	var snap *coordinator.Snapshot
	err = e.jobs.Do(ctx, jobID, func(ctx context.Context, c *coordinator.Coordinator) error {
		var createErr error
		snap, createErr = c.Create(ctx, userID, preset, totalItems)
		return createErr
	})
	if err != nil {
		if rbErr := e.users.Do(ctx, userID, func(ctx context.Context, l *ledger.Ledger) error {
			return l.Rollback(ctx, jobID)
		}); rbErr != nil {
			e.logger.Error("reservation rollback after failed create",
				slog.String("job_id", jobID),
				slog.String("user_id", userID),
				slog.Any("error", rbErr))
		}
		return nil, err
	}

	e.metrics.jobsCreated.Add(ctx, 1)
	return snap, nil
}

// ConfirmUpload moves a job from created to uploaded.
func (e *Engine) ConfirmUpload(ctx context.Context, jobID string) error {
	return e.jobs.Do(ctx, jobID, func(ctx context.Context, c *coordinator.Coordinator) error {
		return c.ConfirmUpload(ctx)
	})
}

// ExecuteJob marks the job queued and dispatches its work message. A
// retried execute after a failed dispatch re-sends the message; the
// channel's dedupe key suppresses the send if the first one actually
// went out.
func (e *Engine) ExecuteJob(ctx context.Context, jobID string, concepts map[string]darkroom.Concept, protect []string, ruleID string) error {
	var snap *coordinator.Snapshot
	err := e.jobs.Do(ctx, jobID, func(ctx context.Context, c *coordinator.Coordinator) error {
		s, snapErr := c.Snapshot(ctx)
		if snapErr != nil {
			return snapErr
		}
		switch s.Job.Status {
		case coordinator.StatusUploaded:
			if qErr := c.MarkQueued(ctx, concepts, protect, ruleID); qErr != nil {
				return qErr
			}
		case coordinator.StatusQueued:
			// Redispatch path: state is already right, only the send
			// below needs to happen again.
		default:
			return fmt.Errorf("darkroom: execute %s: status %q: %w",
				jobID, s.Job.Status, darkroom.ErrInvalidTransition)
		}
		s, snapErr = c.Snapshot(ctx)
		if snapErr != nil {
			return snapErr
		}
		snap = s
		return nil
	})
	if err != nil {
		return err
	}

	msg := e.workMessage(snap)
	if err := e.channel.Send(ctx, msg, "execute-"+jobID); err != nil {
		return fmt.Errorf("darkroom: dispatch %s: %w", jobID, err)
	}
	return nil
}

// HandleCallback applies one worker item result. Callbacks beyond the
// per-job rate budget fail with ErrThrottled and must be retried by the
// worker.
func (e *Engine) HandleCallback(ctx context.Context, jobID string, res coordinator.ItemResult) (coordinator.Ack, error) {
	if !e.throttles.allow(jobID) {
		e.metrics.callbacksThrottled.Add(ctx, 1)
		return coordinator.Ack{}, fmt.Errorf("darkroom: callback %s: %w", jobID, darkroom.ErrThrottled)
	}

	var ack coordinator.Ack
	err := e.jobs.Do(ctx, jobID, func(ctx context.Context, c *coordinator.Coordinator) error {
		var resErr error
		ack, resErr = c.OnItemResult(ctx, res)
		return resErr
	})
	if err != nil {
		return coordinator.Ack{}, err
	}

	switch {
	case ack.Duplicate:
		e.metrics.itemResults.Add(ctx, 1, statusAttr("duplicate"))
	case ack.Applied:
		e.metrics.itemResults.Add(ctx, 1, statusAttr(string(res.Status)))
	default:
		e.metrics.itemResults.Add(ctx, 1, statusAttr("ignored"))
	}

	if ack.Status.Terminal() {
		e.throttles.forget(jobID)
		if ack.Applied {
			e.metrics.jobsCompleted.Add(ctx, 1, statusAttr(string(ack.Status)))
		}
	}
	return ack, nil
}

// CancelJob cancels a non-terminal job. The terminal flush refunds the
// unprocessed items.
func (e *Engine) CancelJob(ctx context.Context, jobID string) error {
	err := e.jobs.Do(ctx, jobID, func(ctx context.Context, c *coordinator.Coordinator) error {
		return c.Cancel(ctx)
	})
	if err != nil {
		return err
	}
	e.throttles.forget(jobID)
	e.metrics.jobsCompleted.Add(ctx, 1, statusAttr(string(coordinator.StatusCanceled)))
	return nil
}

// JobStatus returns the job and its items. Live jobs come from their
// coordinator; flushed-and-evicted jobs are served from the journal.
func (e *Engine) JobStatus(ctx context.Context, jobID string) (*coordinator.Snapshot, error) {
	var snap *coordinator.Snapshot
	err := e.jobs.Do(ctx, jobID, func(ctx context.Context, c *coordinator.Coordinator) error {
		var snapErr error
		snap, snapErr = c.Snapshot(ctx)
		return snapErr
	})
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, darkroom.ErrJobNotFound) {
		return nil, err
	}
	return e.journalSnapshot(ctx, jobID)
}

// DeadLetters returns the dead-letter service for inspection and manual
// reconciliation.
func (e *Engine) DeadLetters() *deadletter.Service { return e.deadletters }

// Close stops the flush timers and shuts down both actor pools.
func (e *Engine) Close(ctx context.Context) error {
	e.flushMu.Lock()
	e.closed = true
	for jobID, t := range e.flushTimers {
		t.Stop()
		delete(e.flushTimers, jobID)
	}
	e.flushMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.jobs.Close(ctx) })
	g.Go(func() error { return e.users.Close(ctx) })
	return g.Wait()
}

// ──────────────────────────────────────────────────
// Flush scheduling
// ──────────────────────────────────────────────────

// Schedule arms a one-shot durable flush for a job. Repeat calls before
// the flush fires coalesce into one timer. Implements
// coordinator.Flusher.
func (e *Engine) Schedule(jobID string) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	if e.closed {
		return
	}
	if _, armed := e.flushTimers[jobID]; armed {
		return
	}
	e.flushTimers[jobID] = time.AfterFunc(e.cfg.FlushDelay, func() {
		e.flush(jobID)
	})
}

// flush runs the job's durable flush and re-arms the timer on failure.
func (e *Engine) flush(jobID string) {
	e.flushMu.Lock()
	delete(e.flushTimers, jobID)
	e.flushMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := e.jobs.Do(ctx, jobID, func(ctx context.Context, c *coordinator.Coordinator) error {
		return c.Flush(ctx)
	})
	e.metrics.addFlush(ctx, err == nil)
	if err != nil {
		e.logger.Error("flush failed, rescheduling",
			slog.String("job_id", jobID),
			slog.Any("error", err))
		e.Schedule(jobID)
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// workMessage builds the self-contained batch message for a queued job.
func (e *Engine) workMessage(snap *coordinator.Snapshot) *gpuq.Message {
	items := make([]gpuq.ItemRef, len(snap.Items))
	for i, it := range snap.Items {
		items[i] = gpuq.ItemRef{
			Idx:        it.Idx,
			InputKey:   it.InputKey,
			OutputKey:  darkroom.OutputKey(snap.Job.UserID, snap.Job.ID, it.Idx),
			PreviewKey: darkroom.PreviewKey(snap.Job.UserID, snap.Job.ID, it.Idx),
		}
	}
	return &gpuq.Message{
		JobID:             snap.Job.ID,
		UserID:            snap.Job.UserID,
		Preset:            snap.Job.Preset,
		Concepts:          snap.Job.Concepts,
		Protect:           snap.Job.Protect,
		Items:             items,
		CallbackURL:       e.callbackURL,
		IdempotencyPrefix: snap.Job.ID + "-",
		BatchConcurrency:  e.cfg.BatchConcurrency,
	}
}

// journalSnapshot reconstructs a snapshot from the durable log.
func (e *Engine) journalSnapshot(ctx context.Context, jobID string) (*coordinator.Snapshot, error) {
	rec, err := e.journalStore.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	rows, err := e.journalStore.ListItems(ctx, jobID)
	if err != nil {
		return nil, err
	}

	snap := &coordinator.Snapshot{
		Job: coordinator.Job{
			ID:          rec.JobID,
			UserID:      rec.UserID,
			Status:      coordinator.Status(rec.Status),
			Preset:      rec.Preset,
			RuleID:      rec.RuleID,
			TotalItems:  rec.TotalItems,
			DoneItems:   rec.DoneItems,
			FailedItems: rec.FailedItems,
			CreatedAt:   rec.CreatedAt,
			FinishedAt:  rec.FinishedAt,
		},
		Items: make([]coordinator.Item, len(rows)),
	}
	if len(rec.Concepts) > 0 {
		_ = json.Unmarshal(rec.Concepts, &snap.Job.Concepts)
	}
	if len(rec.Protect) > 0 {
		_ = json.Unmarshal(rec.Protect, &snap.Job.Protect)
	}
	for i, row := range rows {
		snap.Items[i] = coordinator.Item{
			JobID:     row.JobID,
			Idx:       row.Idx,
			Status:    coordinator.ItemStatus(row.Status),
			InputKey:  row.InputKey,
			OutputKey: row.OutputKey,
			Error:     row.Error,
		}
	}
	return snap, nil
}
