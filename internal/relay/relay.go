package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/queue"

	"go.uber.org/zap"
)

// DeriveCorrelationID maps a source correlation ID and an output index to a
// deterministic downstream correlation ID. Re-running the same source
// message produces identical downstream IDs, so upstream duplication
// collapses in the next stage's dedup ledger instead of fanning out.
func DeriveCorrelationID(sourceCorrelationID string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", sourceCorrelationID, index)))
	return hex.EncodeToString(sum[:16])
}

// Relay enqueues a completed message's outputs onto the next stage's queue.
// Enqueue happens before the source message is deleted: a crash in between
// redelivers the source and re-attempts a deduplicated, hence cheap,
// enqueue rather than silently losing downstream work.
type Relay struct {
	downstream queue.Queue
	class      string
	queueName  string
	maxRetries int
	baseDelay  time.Duration
	logger     *log.Logger
}

func New(downstream queue.Queue, queueName, class string, maxRetries int, baseDelay time.Duration, logger *log.Logger) *Relay {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &Relay{
		downstream: downstream,
		class:      class,
		queueName:  queueName,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
	}
}

// EnqueueDownstream stamps deterministic correlation IDs onto the outputs
// and enqueues them as one batch, retrying transient failures with backoff.
func (r *Relay) EnqueueDownstream(ctx context.Context, src *message.WorkMessage, outputs []message.WorkItem) error {
	if len(outputs) == 0 {
		return nil
	}

	items := make([]message.WorkItem, len(outputs))
	for i, out := range outputs {
		out.CorrelationID = DeriveCorrelationID(src.CorrelationID, i)
		if out.Queue == "" {
			out.Queue = r.queueName
		}
		if out.Class == "" {
			out.Class = r.class
		}
		items[i] = out
	}

	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.baseDelay * time.Duration(1<<attempt)
			backoff = time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		_, err := r.downstream.Enqueue(ctx, items)
		if err == nil {
			return nil
		}
		lastErr = err
		r.logger.Warn("Downstream enqueue failed",
			zap.Error(err), zap.String("source_correlation_id", src.CorrelationID),
			zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("enqueue downstream: %w", lastErr)
}
