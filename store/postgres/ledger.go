package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/id"
	"github.com/xraph/darkroom/ledger"
)

// GetAccount retrieves an account by user ID.
func (s *Store) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, plan, credits, active_jobs, rule_slots, created_at, updated_at
		FROM darkroom_accounts
		WHERE user_id = $1`,
		userID,
	)

	acct, err := scanAccount(row)
	if err != nil {
		if isNoRows(err) {
			return nil, darkroom.ErrAccountNotFound
		}
		return nil, fmt.Errorf("darkroom/postgres: get account: %w", err)
	}
	return acct, nil
}

// SaveAccount upserts an account row.
func (s *Store) SaveAccount(ctx context.Context, acct *ledger.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO darkroom_accounts (
			user_id, plan, credits, active_jobs, rule_slots, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			plan        = EXCLUDED.plan,
			credits     = EXCLUDED.credits,
			active_jobs = EXCLUDED.active_jobs,
			rule_slots  = EXCLUDED.rule_slots,
			updated_at  = NOW()`,
		acct.UserID, string(acct.Plan), acct.Credits, acct.ActiveJobs,
		acct.RuleSlots, acct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("darkroom/postgres: save account: %w", err)
	}
	return nil
}

// PutReservation upserts the reservation for a job.
func (s *Store) PutReservation(ctx context.Context, res *ledger.Reservation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO darkroom_reservations (job_id, user_id, items, reserved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE SET
			user_id     = EXCLUDED.user_id,
			items       = EXCLUDED.items,
			reserved_at = EXCLUDED.reserved_at`,
		res.JobID, res.UserID, res.Items, res.ReservedAt,
	)
	if err != nil {
		return fmt.Errorf("darkroom/postgres: put reservation: %w", err)
	}
	return nil
}

// GetReservation retrieves the reservation for a job.
func (s *Store) GetReservation(ctx context.Context, jobID string) (*ledger.Reservation, error) {
	var res ledger.Reservation
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, user_id, items, reserved_at
		FROM darkroom_reservations
		WHERE job_id = $1`,
		jobID,
	).Scan(&res.JobID, &res.UserID, &res.Items, &res.ReservedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, darkroom.ErrReservationNotFound
		}
		return nil, fmt.Errorf("darkroom/postgres: get reservation: %w", err)
	}
	return &res, nil
}

// DeleteReservation removes the reservation for a job. Deleting an
// absent reservation is not an error.
func (s *Store) DeleteReservation(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM darkroom_reservations WHERE job_id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("darkroom/postgres: delete reservation: %w", err)
	}
	return nil
}

// AppendBilling appends a billing event to the audit trail.
func (s *Store) AppendBilling(ctx context.Context, evt *ledger.BillingEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO darkroom_billing_events (id, user_id, type, amount, ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.ID.String(), evt.UserID, string(evt.Type), evt.Amount, evt.Ref, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("darkroom/postgres: append billing: %w", err)
	}
	return nil
}

// ListBilling returns up to limit billing events for a user, newest first.
func (s *Store) ListBilling(ctx context.Context, userID string, limit int) ([]*ledger.BillingEvent, error) {
	query := `
		SELECT id, user_id, type, amount, ref, created_at
		FROM darkroom_billing_events
		WHERE user_id = $1
		ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("darkroom/postgres: list billing: %w", err)
	}
	defer rows.Close()

	var events []*ledger.BillingEvent
	for rows.Next() {
		var (
			evt   ledger.BillingEvent
			idStr string
			typ   string
		)
		if scanErr := rows.Scan(&idStr, &evt.UserID, &typ, &evt.Amount, &evt.Ref, &evt.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("darkroom/postgres: scan billing row: %w", scanErr)
		}
		parsed, parseErr := id.Parse(idStr)
		if parseErr != nil {
			return nil, fmt.Errorf("darkroom/postgres: parse billing id %q: %w", idStr, parseErr)
		}
		evt.ID = parsed
		evt.Type = ledger.BillingType(typ)
		events = append(events, &evt)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("darkroom/postgres: iterate billing rows: %w", err)
	}
	return events, nil
}

// scanAccount scans a single account row.
func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var (
		acct ledger.Account
		plan string
	)
	err := row.Scan(
		&acct.UserID, &plan, &acct.Credits, &acct.ActiveJobs,
		&acct.RuleSlots, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	acct.Plan = darkroom.Plan(plan)
	return &acct, nil
}
