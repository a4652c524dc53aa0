package deadletter

import (
	"time"

	"github.com/xraph/darkroom/id"
)

// Entry represents one operation that exhausted its retry budget.
type Entry struct {
	ID         id.ID      `json:"id"`
	Op         string     `json:"op"` // e.g. "ledger.release"
	JobID      string     `json:"job_id,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	Payload    []byte     `json:"payload,omitempty"`
	Error      string     `json:"error"`
	Attempts   int        `json:"attempts"`
	FailedAt   time.Time  `json:"failed_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
