// Package ledger implements the per-user resource ledger: credit balance,
// concurrency admission, and rule-slot quotas.
//
// One Ledger instance exists per user and is driven by the actor runtime,
// so every operation runs strictly serialized — the atomicity of Reserve
// is a consequence of that single-writer guarantee, not of locking.
// Balance and counters are floored at zero by the updates themselves;
// no ordering or repetition of calls can drive them negative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/id"
)

// Reason encodes why a resource request was denied.
type Reason string

const (
	ReasonItemLimit           Reason = "item_limit"
	ReasonConcurrencyLimit    Reason = "concurrency_limit"
	ReasonInsufficientCredits Reason = "insufficient_credits"
	ReasonRuleSlotLimit       Reason = "rule_slot_limit"
)

// DeniedError is a structured resource-exhausted denial. It reports no
// state change: a denied request leaves the account exactly as it was.
type DeniedError struct {
	Reason Reason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("ledger: denied: %s", e.Reason)
}

// State is a read-only snapshot of an account plus its plan limits.
type State struct {
	UserID     string              `json:"user_id"`
	Plan       darkroom.Plan       `json:"plan"`
	Credits    int                 `json:"credits"`
	ActiveJobs int                 `json:"active_jobs"`
	RuleSlots  int                 `json:"rule_slots"`
	Limits     darkroom.PlanLimits `json:"limits"`
}

// Ledger is the single-writer actor for one user's resources.
type Ledger struct {
	userID string
	store  Store
	logger *slog.Logger

	// acct is nil until Init has run for this user. It always mirrors
	// the row in the store.
	acct *Account
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// New loads (or prepares to lazily create) the ledger for a user. It is
// intended to run as an actor.Factory, inside the user's mailbox, so the
// load is the one-time bootstrap that all queued operations wait on.
func New(ctx context.Context, userID string, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		userID: userID,
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	acct, err := store.GetAccount(ctx, userID)
	switch {
	case err == nil:
		l.acct = acct
	case errors.Is(err, darkroom.ErrAccountNotFound):
		// Not initialized yet; Init will create the row.
	default:
		return nil, fmt.Errorf("ledger: load account %s: %w", userID, err)
	}
	return l, nil
}

// Init creates the account with the plan's initial credit balance. If the
// account already exists this is a no-op: re-initialization never resets
// an existing balance.
func (l *Ledger) Init(ctx context.Context, plan darkroom.Plan) error {
	if l.acct != nil {
		return nil
	}

	now := time.Now().UTC()
	acct := &Account{
		UserID:    l.userID,
		Plan:      plan,
		Credits:   darkroom.LimitsFor(plan).InitialCredits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.SaveAccount(ctx, acct); err != nil {
		return fmt.Errorf("ledger: init account %s: %w", l.userID, err)
	}
	l.acct = acct

	l.logger.Info("account initialized",
		slog.String("user_id", l.userID),
		slog.String("plan", string(plan)),
		slog.Int("credits", acct.Credits),
	)
	return nil
}

// State returns the current balance, counters, and plan limits.
func (l *Ledger) State(_ context.Context) (State, error) {
	if l.acct == nil {
		return State{}, darkroom.ErrAccountNotFound
	}
	return State{
		UserID:     l.acct.UserID,
		Plan:       l.acct.Plan,
		Credits:    l.acct.Credits,
		ActiveJobs: l.acct.ActiveJobs,
		RuleSlots:  l.acct.RuleSlots,
		Limits:     darkroom.LimitsFor(l.acct.Plan),
	}, nil
}

// Reserve atomically admits a job: it checks the batch size against the
// plan, the concurrency limit, and the balance, then deducts items
// credits, increments the active-job count, and records a reservation
// keyed by jobID. On denial it returns a *DeniedError and changes
// nothing.
func (l *Ledger) Reserve(ctx context.Context, jobID string, items int) error {
	if l.acct == nil {
		return darkroom.ErrAccountNotFound
	}
	limits := darkroom.LimitsFor(l.acct.Plan)

	switch {
	case items <= 0 || items > limits.MaxItems:
		return &DeniedError{Reason: ReasonItemLimit}
	case l.acct.ActiveJobs >= limits.MaxConcurrency:
		return &DeniedError{Reason: ReasonConcurrencyLimit}
	case l.acct.Credits < items:
		return &DeniedError{Reason: ReasonInsufficientCredits}
	}

	next := *l.acct
	next.Credits -= items
	next.ActiveJobs++
	next.UpdatedAt = time.Now().UTC()

	if err := l.store.SaveAccount(ctx, &next); err != nil {
		return fmt.Errorf("ledger: reserve %s: %w", jobID, err)
	}
	res := &Reservation{
		JobID:      jobID,
		UserID:     l.userID,
		Items:      items,
		ReservedAt: next.UpdatedAt,
	}
	if err := l.store.PutReservation(ctx, res); err != nil {
		// Undo the deduction so a failed reserve leaves no trace.
		if restoreErr := l.store.SaveAccount(ctx, l.acct); restoreErr != nil {
			l.logger.Error("reserve compensation failed",
				slog.String("user_id", l.userID),
				slog.String("job_id", jobID),
				slog.String("error", restoreErr.Error()),
			)
		}
		return fmt.Errorf("ledger: reserve %s: %w", jobID, err)
	}
	l.acct = &next

	l.billing(ctx, BillingReserve, items, jobID)
	return nil
}

// Commit clears the reservation bookkeeping for a job that completed
// normally. Credits were already deducted at reserve time, so the balance
// does not change. Committing a job with no reservation is a no-op.
func (l *Ledger) Commit(ctx context.Context, jobID string) error {
	if l.acct == nil {
		return darkroom.ErrAccountNotFound
	}
	res, err := l.store.GetReservation(ctx, jobID)
	if errors.Is(err, darkroom.ErrReservationNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: commit %s: %w", jobID, err)
	}
	if err := l.store.DeleteReservation(ctx, jobID); err != nil {
		return fmt.Errorf("ledger: commit %s: %w", jobID, err)
	}
	l.billing(ctx, BillingCommit, res.Items, jobID)
	return nil
}

// Rollback fully refunds the reserved amount for a job canceled before
// any item was processed and decrements the active-job count. Without a
// reservation on file it is a no-op, so a duplicate rollback cannot
// refund twice.
func (l *Ledger) Rollback(ctx context.Context, jobID string) error {
	if l.acct == nil {
		return darkroom.ErrAccountNotFound
	}
	res, err := l.store.GetReservation(ctx, jobID)
	if errors.Is(err, darkroom.ErrReservationNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: rollback %s: %w", jobID, err)
	}

	next := *l.acct
	next.Credits += res.Items
	if next.ActiveJobs > 0 {
		next.ActiveJobs--
	}
	next.UpdatedAt = time.Now().UTC()

	if err := l.store.SaveAccount(ctx, &next); err != nil {
		return fmt.Errorf("ledger: rollback %s: %w", jobID, err)
	}
	if err := l.store.DeleteReservation(ctx, jobID); err != nil {
		return fmt.Errorf("ledger: rollback %s: %w", jobID, err)
	}
	l.acct = &next

	l.billing(ctx, BillingRollback, res.Items, jobID)
	return nil
}

// Release settles a finished job: it decrements the active-job count
// (floored at zero) and refunds totalItems - doneItems - failedItems —
// only unprocessed items get their charge back. The refund is gated on
// the reservation still being on file, so a redelivered release cannot
// inflate the balance.
func (l *Ledger) Release(ctx context.Context, jobID string, doneItems, failedItems, totalItems int) error {
	if l.acct == nil {
		return darkroom.ErrAccountNotFound
	}

	refund := totalItems - doneItems - failedItems
	if refund < 0 {
		refund = 0
	}

	_, err := l.store.GetReservation(ctx, jobID)
	hasReservation := err == nil
	if err != nil && !errors.Is(err, darkroom.ErrReservationNotFound) {
		return fmt.Errorf("ledger: release %s: %w", jobID, err)
	}

	next := *l.acct
	if next.ActiveJobs > 0 {
		next.ActiveJobs--
	}
	if hasReservation {
		next.Credits += refund
	}
	next.UpdatedAt = time.Now().UTC()

	if err := l.store.SaveAccount(ctx, &next); err != nil {
		return fmt.Errorf("ledger: release %s: %w", jobID, err)
	}
	if hasReservation {
		if err := l.store.DeleteReservation(ctx, jobID); err != nil {
			return fmt.Errorf("ledger: release %s: %w", jobID, err)
		}
	}
	l.acct = &next

	if hasReservation && refund > 0 {
		l.billing(ctx, BillingRefund, refund, jobID)
	}

	l.logger.Info("job released",
		slog.String("user_id", l.userID),
		slog.String("job_id", jobID),
		slog.Int("refund", refund),
		slog.Int("active_jobs", next.ActiveJobs),
	)
	return nil
}

// CheckRuleSlot reports whether the user may claim another rule slot.
func (l *Ledger) CheckRuleSlot(_ context.Context) (bool, error) {
	if l.acct == nil {
		return false, darkroom.ErrAccountNotFound
	}
	return l.acct.RuleSlots < darkroom.LimitsFor(l.acct.Plan).MaxRuleSlots, nil
}

// IncrementRuleSlot claims a rule slot, denying with ReasonRuleSlotLimit
// at the plan's cap.
func (l *Ledger) IncrementRuleSlot(ctx context.Context) error {
	if l.acct == nil {
		return darkroom.ErrAccountNotFound
	}
	if l.acct.RuleSlots >= darkroom.LimitsFor(l.acct.Plan).MaxRuleSlots {
		return &DeniedError{Reason: ReasonRuleSlotLimit}
	}

	next := *l.acct
	next.RuleSlots++
	next.UpdatedAt = time.Now().UTC()
	if err := l.store.SaveAccount(ctx, &next); err != nil {
		return fmt.Errorf("ledger: increment rule slot: %w", err)
	}
	l.acct = &next
	return nil
}

// DecrementRuleSlot returns a rule slot, floored at zero.
func (l *Ledger) DecrementRuleSlot(ctx context.Context) error {
	if l.acct == nil {
		return darkroom.ErrAccountNotFound
	}
	if l.acct.RuleSlots == 0 {
		return nil
	}

	next := *l.acct
	next.RuleSlots--
	next.UpdatedAt = time.Now().UTC()
	if err := l.store.SaveAccount(ctx, &next); err != nil {
		return fmt.Errorf("ledger: decrement rule slot: %w", err)
	}
	l.acct = &next
	return nil
}

// billing appends an audit event. The account row is authoritative, so a
// failed append is logged and swallowed rather than failing the
// operation.
func (l *Ledger) billing(ctx context.Context, typ BillingType, amount int, ref string) {
	evt := &BillingEvent{
		ID:        id.NewBillingID(),
		UserID:    l.userID,
		Type:      typ,
		Amount:    amount,
		Ref:       ref,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.AppendBilling(ctx, evt); err != nil {
		l.logger.Warn("billing event append failed",
			slog.String("user_id", l.userID),
			slog.String("type", string(typ)),
			slog.String("ref", ref),
			slog.String("error", err.Error()),
		)
	}
}
