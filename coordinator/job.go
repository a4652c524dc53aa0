package coordinator

import (
	"time"

	"github.com/xraph/darkroom"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusCreated means the job row exists and upload URLs were issued.
	StatusCreated Status = "created"
	// StatusUploaded means the client confirmed all inputs are uploaded.
	StatusUploaded Status = "uploaded"
	// StatusQueued means the work message was handed to the dispatch channel.
	StatusQueued Status = "queued"
	// StatusRunning means at least one item result has arrived.
	StatusRunning Status = "running"
	// StatusDone means all items settled and at least one succeeded.
	StatusDone Status = "done"
	// StatusFailed means all items settled and none succeeded.
	StatusFailed Status = "failed"
	// StatusCanceled means the job was canceled before completion.
	StatusCanceled Status = "canceled"
)

// validTransitions is the FSM edge set. Terminal states have no outgoing
// edges; every non-terminal state may transition to canceled.
var validTransitions = map[Status][]Status{
	StatusCreated:  {StatusUploaded, StatusCanceled},
	StatusUploaded: {StatusQueued, StatusCanceled},
	StatusQueued:   {StatusRunning, StatusCanceled},
	StatusRunning:  {StatusDone, StatusFailed, StatusCanceled},
	StatusDone:     {},
	StatusFailed:   {},
	StatusCanceled: {},
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// canTransition reports whether s → to is an FSM edge.
func (s Status) canTransition(to Status) bool {
	for _, t := range validTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// ItemStatus is the settlement state of a single item.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemDone    ItemStatus = "done"
	ItemFailed  ItemStatus = "failed"
)

// Job is the coordinator-owned job row. DoneItems + FailedItems never
// exceeds TotalItems; status moves only along validTransitions.
type Job struct {
	ID          string                      `json:"id"`
	UserID      string                      `json:"user_id"`
	Status      Status                      `json:"status"`
	Preset      string                      `json:"preset"`
	Concepts    map[string]darkroom.Concept `json:"concepts,omitempty"`
	Protect     []string                    `json:"protect,omitempty"`
	RuleID      string                      `json:"rule_id,omitempty"`
	TotalItems  int                         `json:"total_items"`
	DoneItems   int                         `json:"done_items"`
	FailedItems int                         `json:"failed_items"`
	CreatedAt   time.Time                   `json:"created_at"`
	FinishedAt  *time.Time                  `json:"finished_at,omitempty"`
}

// Item is one image in a job's batch. OutputKey and PreviewKey are set
// only once the item settles as done.
type Item struct {
	JobID      string     `json:"job_id"`
	Idx        int        `json:"idx"`
	Status     ItemStatus `json:"status"`
	InputKey   string     `json:"input_key"`
	OutputKey  string     `json:"output_key,omitempty"`
	PreviewKey string     `json:"preview_key,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Snapshot is a read-only copy of a job and its items.
type Snapshot struct {
	Job   Job    `json:"job"`
	Items []Item `json:"items"`
}

// ItemResult is one worker callback. The same logical result may be
// redelivered any number of times with the same idempotency key.
type ItemResult struct {
	Idx            int        `json:"idx"`
	Status         ItemStatus `json:"status"` // done or failed
	OutputKey      string     `json:"output_key,omitempty"`
	PreviewKey     string     `json:"preview_key,omitempty"`
	Error          string     `json:"error,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// Ack is the coordinator's answer to one callback. Duplicates are
// absorbed, never surfaced as errors: Applied=false, Duplicate=true.
type Ack struct {
	Applied   bool   `json:"applied"`
	Duplicate bool   `json:"duplicate"`
	Status    Status `json:"status"`
}
