package message

import (
	"context"
	"encoding/json"
	"time"
)

// WorkMessage is a unit of work pulled from a queue. The ID is assigned by
// the queue at enqueue time and is reused across redeliveries; the Receipt
// is minted per delivery and is required to delete this specific delivery.
type WorkMessage struct {
	ID             int64           `json:"id"`
	Queue          string          `json:"queue"`
	Class          string          `json:"class"`
	CorrelationID  string          `json:"correlation_id"`
	Payload        json.RawMessage `json:"payload"`
	Receipt        string          `json:"receipt"`
	DequeueCount   int             `json:"dequeue_count"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
}

// WorkItem is the producer-side shape of a message: what a relay or an
// external trigger enqueues. The queue assigns the ID; the CorrelationID is
// caller-assigned and stable across retries of the same logical work item.
type WorkItem struct {
	Queue         string          `json:"queue"`
	Class         string          `json:"class"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// Outcome is what the stage handler returns. The core never inspects the
// payloads inside Outputs; it only relays them downstream.
type Outcome struct {
	Success bool       `json:"success"`
	Outputs []WorkItem `json:"outputs,omitempty"`
	Err     error      `json:"-"`
}

// Handler is the stage-specific business logic invoked by the consumer.
// Implementations must be idempotent where feasible: the pipeline prefers
// occasional duplicate processing over blocking when the dedup ledger is
// unreachable.
type Handler interface {
	Process(ctx context.Context, payload []byte) Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload []byte) Outcome

func (f HandlerFunc) Process(ctx context.Context, payload []byte) Outcome {
	return f(ctx, payload)
}
