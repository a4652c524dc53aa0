package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/deadletter"
	"github.com/xraph/darkroom/id"
)

// PushEntry adds a dead-letter entry.
func (s *Store) PushEntry(ctx context.Context, entry *deadletter.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO darkroom_deadletters (
			id, op, job_id, user_id, payload, error,
			attempts, failed_at, resolved_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID.String(), entry.Op, entry.JobID, entry.UserID,
		entry.Payload, entry.Error, entry.Attempts,
		entry.FailedAt, entry.ResolvedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("darkroom/postgres: push dead letter: %w", err)
	}
	return nil
}

// ListEntries returns entries matching the given options, newest first.
func (s *Store) ListEntries(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	query := `
		SELECT id, op, job_id, user_id, payload, error,
		       attempts, failed_at, resolved_at, created_at
		FROM darkroom_deadletters
		WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Op != "" {
		query += fmt.Sprintf(" AND op = $%d", argIdx)
		args = append(args, opts.Op)
		argIdx++
	}

	query += " ORDER BY failed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("darkroom/postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*deadletter.Entry
	for rows.Next() {
		e, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("darkroom/postgres: scan dead-letter row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("darkroom/postgres: iterate dead-letter rows: %w", err)
	}
	return entries, nil
}

// GetEntry retrieves a dead-letter entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.ID) (*deadletter.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, op, job_id, user_id, payload, error,
		       attempts, failed_at, resolved_at, created_at
		FROM darkroom_deadletters
		WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanDeadLetter(row)
	if err != nil {
		if isNoRows(err) {
			return nil, darkroom.ErrEntryNotFound
		}
		return nil, fmt.Errorf("darkroom/postgres: get dead letter: %w", err)
	}
	return e, nil
}

// ResolveEntry marks an entry as manually reconciled.
func (s *Store) ResolveEntry(ctx context.Context, entryID id.ID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE darkroom_deadletters SET resolved_at = NOW() WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("darkroom/postgres: resolve dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return darkroom.ErrEntryNotFound
	}
	return nil
}

// PurgeEntries removes entries that failed before the given time.
func (s *Store) PurgeEntries(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM darkroom_deadletters WHERE failed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("darkroom/postgres: purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountEntries returns the total number of unresolved entries.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM darkroom_deadletters WHERE resolved_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("darkroom/postgres: count dead letters: %w", err)
	}
	return count, nil
}

// scanDeadLetter scans a single dead-letter entry row.
func scanDeadLetter(row pgx.Row) (*deadletter.Entry, error) {
	var (
		e     deadletter.Entry
		idStr string
	)
	err := row.Scan(
		&idStr, &e.Op, &e.JobID, &e.UserID, &e.Payload, &e.Error,
		&e.Attempts, &e.FailedAt, &e.ResolvedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("darkroom/postgres: parse dead-letter id %q: %w", idStr, parseErr)
	}
	e.ID = parsed

	return &e, nil
}
