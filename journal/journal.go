// Package journal defines the append-only durable log that receives
// coordinator flushes. Entities outlive their actor instances here: once
// a job reaches a terminal state its record is retained even after the
// in-memory coordinator is evicted.
//
// Flushes repeat — the scheduling mechanism retries on failure, and
// several near-simultaneous terminal transitions coalesce — so every
// write is an idempotent upsert, never a plain insert.
package journal

import (
	"context"
	"encoding/json"
	"time"
)

// JobRecord is one row of the jobs log.
type JobRecord struct {
	JobID       string          `json:"job_id"`
	UserID      string          `json:"user_id"`
	Status      string          `json:"status"`
	Preset      string          `json:"preset"`
	RuleID      string          `json:"rule_id,omitempty"`
	Concepts    json.RawMessage `json:"concepts_config,omitempty"`
	Protect     json.RawMessage `json:"protect_config,omitempty"`
	TotalItems  int             `json:"total_items"`
	DoneItems   int             `json:"done_items"`
	FailedItems int             `json:"failed_items"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// ItemRecord is one row of the job items log.
type ItemRecord struct {
	JobID     string `json:"job_id"`
	Idx       int    `json:"idx"`
	Status    string `json:"status"`
	InputKey  string `json:"input_key"`
	OutputKey string `json:"output_key,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store defines the persistence contract for the durable log.
type Store interface {
	// UpsertJob writes or replaces the job's log row.
	UpsertJob(ctx context.Context, rec *JobRecord) error

	// UpsertItems writes or replaces the item log rows for a job.
	UpsertItems(ctx context.Context, jobID string, items []*ItemRecord) error

	// GetJob retrieves a job log row. Returns darkroom.ErrJobNotFound
	// if the job was never flushed.
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)

	// ListItems returns the item log rows for a job ordered by index.
	ListItems(ctx context.Context, jobID string) ([]*ItemRecord, error)
}
