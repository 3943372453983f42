package queue

import (
	"context"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"
)

// Queue is the provider interface the consumer runs against. Any
// at-least-once queue works: delivery hands out a lease for the visibility
// duration, an undeleted message becomes redeliverable once the lease
// lapses, and Delete requires the delivery's receipt.
type Queue interface {
	// Enqueue appends items and returns their queue-assigned IDs.
	Enqueue(ctx context.Context, items []message.WorkItem) ([]int64, error)

	// Receive leases up to batch messages for the visibility duration.
	// A return of zero messages is a normal empty poll, not an error.
	Receive(ctx context.Context, batch int, visibility time.Duration) ([]message.WorkMessage, error)

	// Delete removes the message if msg.Receipt still identifies the
	// current delivery. Deleting an already-deleted message is a no-op;
	// a receipt from a lapsed lease returns message.ErrStaleReceipt.
	Delete(ctx context.Context, msg *message.WorkMessage) error

	// ExtendVisibility pushes out the lease expiry of an in-flight
	// delivery. Fails with message.ErrStaleReceipt if the lease lapsed.
	ExtendVisibility(ctx context.Context, msg *message.WorkMessage, d time.Duration) error

	// Peek reports whether the message still exists in the queue, leased
	// or not. Used by the deletion guard to verify a delete took effect.
	Peek(ctx context.Context, id int64) (bool, error)

	// Depth returns the number of messages ready for delivery.
	Depth(ctx context.Context) (int64, error)
}
