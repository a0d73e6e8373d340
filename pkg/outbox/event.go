// Package outbox implements the transactional outbox that propagates ledger
// events to downstream consumers with at-least-once delivery. Rows are
// enqueued in the same transaction as the ledger write that triggers them;
// a background relay claims rows exactly once across instances, publishes to
// the event bus, and retries with backoff or dead-letters on exhaustion.
package outbox

import (
	"context"
	"database/sql"
	"time"
)

// Status of a delivery obligation. FAILED is terminal and paired with a
// dead-letter emission; no row ever transitions backward from a terminal state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRetrying  Status = "RETRYING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// Versioned topic names.
const (
	TopicImpactRecorded = "impact.recorded.v1"
	TopicMRVExported    = "mrv.exported.v1"
	TopicDeadLetter     = "impact.deadletter.v1"
)

// Event is a pending or completed delivery obligation.
type Event struct {
	ID           string     `json:"id"`
	Topic        string     `json:"topic"`
	PartitionKey string     `json:"partition_key"`
	Payload      []byte     `json:"payload"`
	Status       Status     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	AvailableAt  time.Time  `json:"available_at"`
	CreatedAt    time.Time  `json:"created_at"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
}

// Store is the persistence contract for outbox rows. Enqueue happens inside
// the caller's transaction; all state transitions are owned by the relay.
type Store interface {
	// EnqueueTx inserts a PENDING event within an open transaction, so the
	// triggering write and the delivery obligation commit or abort together.
	EnqueueTx(ctx context.Context, tx *sql.Tx, e Event) error
	// Claim atomically leases up to limit due rows for one worker. Rows
	// claimed by a live worker are skipped, never handed out twice.
	Claim(ctx context.Context, workerID string, lease time.Duration, limit int) ([]Event, error)
	// MarkPublished completes a row. Terminal states are never overwritten.
	MarkPublished(ctx context.Context, id string) error
	// MarkRetrying reschedules a row after a failed attempt.
	MarkRetrying(ctx context.Context, id string, attempts int, lastErr string, nextAt time.Time) error
	// MarkFailed moves a row to its terminal FAILED state.
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
	// Get returns a row by ID.
	Get(ctx context.Context, id string) (Event, error)
	// ListByStatus returns rows in a given status, oldest first.
	ListByStatus(ctx context.Context, status Status) ([]Event, error)
}

// Publisher is the abstract event-bus collaborator.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}
