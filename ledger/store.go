package ledger

import "context"

// Store defines the persistence contract for accounts, reservations, and
// billing events. A Ledger instance is the only writer for its user's
// rows, so implementations need durability and read-your-writes, not
// cross-writer isolation.
type Store interface {
	// GetAccount retrieves an account by user ID. Returns
	// darkroom.ErrAccountNotFound if the user was never initialized.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// SaveAccount upserts an account row.
	SaveAccount(ctx context.Context, acct *Account) error

	// PutReservation upserts the reservation for a job.
	PutReservation(ctx context.Context, res *Reservation) error

	// GetReservation retrieves the reservation for a job. Returns
	// darkroom.ErrReservationNotFound if absent.
	GetReservation(ctx context.Context, jobID string) (*Reservation, error)

	// DeleteReservation removes the reservation for a job. Deleting an
	// absent reservation is not an error.
	DeleteReservation(ctx context.Context, jobID string) error

	// AppendBilling appends a billing event to the audit trail.
	AppendBilling(ctx context.Context, evt *BillingEvent) error

	// ListBilling returns up to limit billing events for a user, newest
	// first. Zero limit means no limit.
	ListBilling(ctx context.Context, userID string, limit int) ([]*BillingEvent, error)
}
