package ledger

import (
	"context"
	"time"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Record is durable proof that a correlation ID has been, or is being,
// processed. At most one completed record exists per correlation ID; an
// in-progress record older than the visibility timeout is abandoned and
// eligible for takeover.
type Record struct {
	CorrelationID string    `json:"correlation_id"`
	MessageID     int64     `json:"message_id"`
	Status        Status    `json:"status"`
	Owner         string    `json:"owner"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Ledger is the durable idempotency store. All mutation is through
// conditional writes; that is the only concurrency primitive the
// deduplicator relies on.
type Ledger interface {
	// PutIfAbsent creates the record unless a live one already exists.
	// Returns true if this call created it.
	PutIfAbsent(ctx context.Context, rec Record, ttl time.Duration) (bool, error)

	// UpdateIfStale takes over an in-progress record whose FirstSeenAt is
	// older than staleAfter. Returns true if the takeover happened.
	UpdateIfStale(ctx context.Context, correlationID string, rec Record, staleAfter time.Duration) (bool, error)

	// MarkCompleted transitions the record to completed and resets its
	// retention TTL. Creates the record if it is missing, which happens
	// when the claim was skipped on a ledger fail-open.
	MarkCompleted(ctx context.Context, correlationID string, messageID int64, owner string, ttl time.Duration) error

	// Get returns the live record, or nil if absent or expired.
	Get(ctx context.Context, correlationID string) (*Record, error)
}
