package gpuq

import (
	"context"

	"github.com/xraph/darkroom"
)

// ItemRef points the worker at one image: where to read the input and
// where to write the transformed output and its preview.
type ItemRef struct {
	Idx        int    `json:"idx" msgpack:"idx"`
	InputKey   string `json:"input_key" msgpack:"input_key"`
	OutputKey  string `json:"output_key" msgpack:"output_key"`
	PreviewKey string `json:"preview_key" msgpack:"preview_key"`
}

// Message is the batch-work message for one executed job. It is
// self-contained: the worker needs nothing beyond this message and the
// object store to process the batch and call back per item.
type Message struct {
	JobID    string                      `json:"job_id" msgpack:"job_id"`
	UserID   string                      `json:"user_id" msgpack:"user_id"`
	Preset   string                      `json:"preset" msgpack:"preset"`
	Concepts map[string]darkroom.Concept `json:"concepts" msgpack:"concepts"`
	Protect  []string                    `json:"protect" msgpack:"protect"`
	Items    []ItemRef                   `json:"items" msgpack:"items"`

	// CallbackURL is where the worker posts per-item results.
	CallbackURL string `json:"callback_url" msgpack:"callback_url"`

	// IdempotencyPrefix is prepended by the worker to build stable
	// per-item idempotency keys, so redelivered callbacks for the same
	// logical result are recognized as duplicates.
	IdempotencyPrefix string `json:"idempotency_prefix" msgpack:"idempotency_prefix"`

	// BatchConcurrency is how many items the worker may process in
	// parallel for this job.
	BatchConcurrency int `json:"batch_concurrency" msgpack:"batch_concurrency"`
}

// Channel delivers work messages to the worker pool at least once.
type Channel interface {
	// Send publishes one message. dedupeKey suppresses repeat sends of
	// the same logical dispatch (e.g. a retried execute request) within
	// the channel's dedupe window; an empty key disables deduplication.
	Send(ctx context.Context, msg *Message, dedupeKey string) error
}
