package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/journal"
)

// UpsertJob writes or replaces the job's log row.
func (s *Store) UpsertJob(ctx context.Context, rec *journal.JobRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO darkroom_jobs_log (
			job_id, user_id, status, preset, rule_id,
			concepts_config, protect_config,
			total_items, done_items, failed_items,
			created_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id) DO UPDATE SET
			status          = EXCLUDED.status,
			preset          = EXCLUDED.preset,
			rule_id         = EXCLUDED.rule_id,
			concepts_config = EXCLUDED.concepts_config,
			protect_config  = EXCLUDED.protect_config,
			total_items     = EXCLUDED.total_items,
			done_items      = EXCLUDED.done_items,
			failed_items    = EXCLUDED.failed_items,
			finished_at     = EXCLUDED.finished_at`,
		rec.JobID, rec.UserID, rec.Status, rec.Preset, rec.RuleID,
		nilIfEmpty(rec.Concepts), nilIfEmpty(rec.Protect),
		rec.TotalItems, rec.DoneItems, rec.FailedItems,
		rec.CreatedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("darkroom/postgres: upsert job: %w", err)
	}
	return nil
}

// UpsertItems writes or replaces the item log rows for a job. The rows
// go in one batch, not one round trip per item.
func (s *Store) UpsertItems(ctx context.Context, jobID string, items []*journal.ItemRecord) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO darkroom_job_items_log (job_id, idx, status, input_key, output_key, error)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (job_id, idx) DO UPDATE SET
				status     = EXCLUDED.status,
				input_key  = EXCLUDED.input_key,
				output_key = EXCLUDED.output_key,
				error      = EXCLUDED.error`,
			jobID, it.Idx, it.Status, it.InputKey, it.OutputKey, it.Error,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("darkroom/postgres: upsert items: %w", err)
		}
	}
	return nil
}

// GetJob retrieves a job log row.
func (s *Store) GetJob(ctx context.Context, jobID string) (*journal.JobRecord, error) {
	var rec journal.JobRecord
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, user_id, status, preset, rule_id,
		       concepts_config, protect_config,
		       total_items, done_items, failed_items,
		       created_at, finished_at
		FROM darkroom_jobs_log
		WHERE job_id = $1`,
		jobID,
	).Scan(
		&rec.JobID, &rec.UserID, &rec.Status, &rec.Preset, &rec.RuleID,
		&rec.Concepts, &rec.Protect,
		&rec.TotalItems, &rec.DoneItems, &rec.FailedItems,
		&rec.CreatedAt, &rec.FinishedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, darkroom.ErrJobNotFound
		}
		return nil, fmt.Errorf("darkroom/postgres: get job: %w", err)
	}
	return &rec, nil
}

// ListItems returns the item log rows for a job ordered by index.
func (s *Store) ListItems(ctx context.Context, jobID string) ([]*journal.ItemRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, idx, status, input_key, output_key, error
		FROM darkroom_job_items_log
		WHERE job_id = $1
		ORDER BY idx ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("darkroom/postgres: list items: %w", err)
	}
	defer rows.Close()

	var items []*journal.ItemRecord
	for rows.Next() {
		var it journal.ItemRecord
		if scanErr := rows.Scan(&it.JobID, &it.Idx, &it.Status, &it.InputKey, &it.OutputKey, &it.Error); scanErr != nil {
			return nil, fmt.Errorf("darkroom/postgres: scan item row: %w", scanErr)
		}
		items = append(items, &it)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("darkroom/postgres: iterate item rows: %w", err)
	}
	return items, nil
}

func nilIfEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
