package deletion

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/queue"

	"go.uber.org/zap"
)

// ErrDeleteFailed means the message was still visible after every retry.
// The caller leaves the message for natural redelivery; the dedup ledger's
// completed record short-circuits reprocessing on the next delivery.
var ErrDeleteFailed = errors.New("delete failed after retries")

// Guard deletes a queue message with bounded retry and then verifies the
// message is actually gone instead of trusting the API's success response.
// The audit behind this design found silent post-delete reappearances.
type Guard struct {
	q          queue.Queue
	maxRetries int
	baseDelay  time.Duration
	logger     *log.Logger
	// RetryObserver is called once per attempt beyond the first; the
	// consumer wires it to a metric.
	RetryObserver func()
}

func NewGuard(q queue.Queue, maxRetries int, baseDelay time.Duration, logger *log.Logger) *Guard {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &Guard{
		q:          q,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
	}
}

// Delete attempts deletion up to maxRetries times with exponential backoff
// and jitter, verifying after each apparently successful call.
func (g *Guard) Delete(ctx context.Context, msg *message.WorkMessage) error {
	var lastErr error
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			if g.RetryObserver != nil {
				g.RetryObserver()
			}
			if err := g.sleep(ctx, attempt); err != nil {
				return err
			}
		}

		err := g.q.Delete(ctx, msg)
		if err != nil {
			if errors.Is(err, message.ErrStaleReceipt) {
				// The lease lapsed and the message was redelivered
				// elsewhere; this delivery can no longer delete it.
				return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
			}
			lastErr = err
			g.logger.Warn("Delete attempt failed",
				zap.Error(err), zap.Int64("id", msg.ID), zap.Int("attempt", attempt+1))
			continue
		}

		// Verify: a delete that reports success but leaves the message
		// visible is treated as not yet deleted.
		exists, err := g.q.Peek(ctx, msg.ID)
		if err != nil {
			lastErr = err
			g.logger.Warn("Delete verification failed",
				zap.Error(err), zap.Int64("id", msg.ID), zap.Int("attempt", attempt+1))
			continue
		}
		if exists {
			lastErr = fmt.Errorf("message %d still visible after delete", msg.ID)
			g.logger.Warn("Message reappeared after delete",
				zap.Int64("id", msg.ID), zap.Int("attempt", attempt+1))
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return fmt.Errorf("%w: %v", ErrDeleteFailed, lastErr)
}

func (g *Guard) sleep(ctx context.Context, attempt int) error {
	// Base: 2^attempt * baseDelay, jittered +/- 20% to prevent
	// thundering herd.
	backoff := g.baseDelay * time.Duration(1<<attempt)
	jitterFactor := 0.8 + (rand.Float64() * 0.4)
	backoff = time.Duration(float64(backoff) * jitterFactor)

	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
