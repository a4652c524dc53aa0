package ledger

import (
	"time"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/id"
)

// Account is one user's resource state: credit balance, in-flight job
// count, and rule-slot usage. All three are non-negative at all times;
// the single-writer Ledger is the only writer.
type Account struct {
	UserID     string        `json:"user_id"`
	Plan       darkroom.Plan `json:"plan"`
	Credits    int           `json:"credits"`
	ActiveJobs int           `json:"active_jobs"`
	RuleSlots  int           `json:"rule_slots"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Reservation records how many credits were set aside for one job, so
// commit and rollback know the amount without re-deriving it. Its
// presence also makes refunds single-shot: once cleared, a redelivered
// release cannot refund the same job twice.
type Reservation struct {
	JobID      string    `json:"job_id"`
	UserID     string    `json:"user_id"`
	Items      int       `json:"items"`
	ReservedAt time.Time `json:"reserved_at"`
}

// BillingType classifies a credit movement.
type BillingType string

const (
	BillingReserve  BillingType = "reserve"
	BillingCommit   BillingType = "commit"
	BillingRollback BillingType = "rollback"
	BillingRefund   BillingType = "refund"
)

// BillingEvent is one audit-trail record of credit movement. Events are
// append-only; the Account row is authoritative for the current balance.
type BillingEvent struct {
	ID        id.ID       `json:"id"`
	UserID    string      `json:"user_id"`
	Type      BillingType `json:"type"`
	Amount    int         `json:"amount"`
	Ref       string      `json:"ref"` // job id or rule id
	CreatedAt time.Time   `json:"created_at"`
}
