package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/deadletter"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/dedup"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/deletion"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/idle"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/metrics"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/queue"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/relay"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/visibility"

	"go.uber.org/zap"
)

// Options configures one stage's consumer.
type Options struct {
	Stage       string
	Class       string
	BatchSize   int
	MaxParallel int
	MaxAttempts int
	IdleSleep   time.Duration
}

// Consumer is the polling loop: receive a batch, gate each message through
// the dedup ledger, invoke the stage handler under a policy-derived timeout,
// then relay, mark and delete on success or abandon/dead-letter on failure.
// All exclusion between competing workers comes from the queue's delivery
// lease and the ledger's conditional writes; there is no shared in-process
// state across workers.
type Consumer struct {
	opts     Options
	q        queue.Queue
	dedup    *dedup.Deduplicator
	guard    *deletion.Guard
	policy   *visibility.Policy
	relay    *relay.Relay // nil for the last stage
	dlq      deadletter.Store
	idle     *idle.Coordinator
	handler  message.Handler
	metrics  *metrics.WorkerMetrics
	logger   *log.Logger
	inflight atomic.Int64
}

func New(opts Options, q queue.Queue, ded *dedup.Deduplicator, guard *deletion.Guard,
	policy *visibility.Policy, rel *relay.Relay, dlq deadletter.Store,
	coord *idle.Coordinator, h message.Handler, m *metrics.WorkerMetrics, logger *log.Logger) *Consumer {

	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxParallel <= 0 || opts.MaxParallel > opts.BatchSize {
		opts.MaxParallel = opts.BatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = 2 * time.Second
	}
	c := &Consumer{
		opts:    opts,
		q:       q,
		dedup:   ded,
		guard:   guard,
		policy:  policy,
		relay:   rel,
		dlq:     dlq,
		idle:    coord,
		handler: h,
		metrics: m,
		logger:  logger,
	}
	guard.RetryObserver = func() {
		m.DeletionRetries.WithLabelValues(opts.Stage).Inc()
	}
	return c
}

// Inflight reports the number of dispatches currently running.
func (c *Consumer) Inflight() int {
	return int(c.inflight.Load())
}

// Run polls until the context is cancelled or the idle coordinator decides
// the worker may exit. In-flight dispatches always run to completion or
// their own timeout; only the pulling of new messages stops.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.metrics.WorkerExit.WithLabelValues(c.opts.Stage, "signal").Inc()
			c.logger.Info("Worker exiting", zap.String("reason", "signal"))
			return nil
		default:
		}

		if c.idle != nil && c.idle.ShouldExit() {
			c.metrics.WorkerExit.WithLabelValues(c.opts.Stage, "idle").Inc()
			c.logger.Info("Worker exiting", zap.String("reason", "idle"),
				zap.String("stage", c.opts.Stage))
			return nil
		}

		budget := c.policy.Compute(c.opts.Class)
		msgs, err := c.q.Receive(ctx, c.opts.BatchSize, budget)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("Receive failed", zap.Error(err), zap.String("stage", c.opts.Stage))
			c.sleep(ctx, c.opts.IdleSleep)
			continue
		}

		depth, derr := c.q.Depth(ctx)
		if derr != nil {
			depth = 0
		} else {
			c.metrics.QueueDepth.WithLabelValues(c.opts.Stage).Set(float64(depth))
		}
		if c.idle != nil {
			c.idle.Observe(len(msgs), depth)
		}

		if len(msgs) == 0 {
			c.sleep(ctx, c.opts.IdleSleep)
			continue
		}

		// Bounded fan-out; no ordering guarantee across messages.
		sem := make(chan struct{}, c.opts.MaxParallel)
		var wg sync.WaitGroup
		for i := range msgs {
			wg.Add(1)
			sem <- struct{}{}
			go func(m message.WorkMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				c.dispatch(ctx, &m, budget)
			}(msgs[i])
		}
		wg.Wait()
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg *message.WorkMessage, budget time.Duration) {
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	st := c.opts.Stage
	c.metrics.Received.WithLabelValues(st).Inc()
	c.logger.Info("Message received",
		zap.Int64("id", msg.ID),
		zap.Int("dequeue_count", msg.DequeueCount),
		zap.String("correlation_id", msg.CorrelationID))

	// A shutdown signal must not abandon this dispatch mid-processing, so
	// everything past this point runs detached from the loop's context.
	dctx := context.WithoutCancel(ctx)

	decision, derr := c.dedup.CheckAndClaim(dctx, msg, budget)
	if derr != nil {
		if decision != dedup.Proceed {
			// Fail-closed: abandon for natural redelivery.
			c.metrics.Abandoned.WithLabelValues(st).Inc()
			c.logger.Error("Ledger unreachable, abandoning delivery",
				zap.Error(derr), zap.Int64("id", msg.ID))
			return
		}
		c.metrics.LedgerFailOpen.WithLabelValues(st).Inc()
	}

	switch decision {
	case dedup.DuplicateCompleted:
		c.metrics.Duplicates.WithLabelValues(st, "completed").Inc()
		c.logger.Info("Duplicate detected",
			zap.String("correlation_id", msg.CorrelationID), zap.String("reason", "completed"))
		// The work is genuinely done; the redelivered message just needs
		// to go away.
		if err := c.guard.Delete(dctx, msg); err != nil {
			c.metrics.DeletionFailed.WithLabelValues(st).Inc()
			c.logger.Error("Deletion failed", zap.Error(err), zap.Int64("id", msg.ID))
		}
		return
	case dedup.DuplicateInProgress:
		c.metrics.Duplicates.WithLabelValues(st, "in_progress").Inc()
		c.logger.Info("Duplicate detected",
			zap.String("correlation_id", msg.CorrelationID), zap.String("reason", "in_progress"))
		// Another worker owns it; abandon without deleting.
		return
	case dedup.Takeover:
		c.metrics.Takeovers.WithLabelValues(st).Inc()
	}

	start := time.Now()
	hctx, cancel := context.WithTimeout(dctx, budget)
	stop := make(chan struct{})
	go c.keepalive(hctx, msg, budget, stop)
	out := c.handler.Process(hctx, msg.Payload)
	close(stop)
	cancel()
	duration := time.Since(start)

	c.policy.Observe(c.opts.Class, duration)
	c.metrics.ProcessingDuration.WithLabelValues(st).Observe(duration.Seconds())
	ratio, risky := visibility.Utilization(duration, budget)
	c.metrics.Utilization.WithLabelValues(st).Observe(ratio)
	if risky {
		c.metrics.TimeoutRisk.WithLabelValues(st).Inc()
		c.logger.Warn("Timeout risk",
			zap.Int64("id", msg.ID),
			zap.Duration("duration", duration),
			zap.Duration("budget", budget),
			zap.Float64("utilization", ratio))
	}

	if out.Success {
		c.succeed(dctx, msg, out, duration, budget)
		return
	}
	c.fail(dctx, msg, out.Err)
}

// keepalive extends the delivery's visibility while the handler is within
// its budget, so the queue's safety net never lapses before the primary
// per-call timeout fires.
func (c *Consumer) keepalive(ctx context.Context, msg *message.WorkMessage, budget time.Duration, stop <-chan struct{}) {
	interval := budget / 3
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.q.ExtendVisibility(ctx, msg, budget); err != nil {
				c.logger.Warn("Visibility extension failed",
					zap.Error(err), zap.Int64("id", msg.ID))
				return
			}
		}
	}
}

func (c *Consumer) succeed(ctx context.Context, msg *message.WorkMessage, out message.Outcome, duration, budget time.Duration) {
	st := c.opts.Stage

	// Relay before mark, mark before delete. A crash between any two steps
	// redelivers the source; the relay's deterministic correlation IDs and
	// the ledger's completed record make the re-run cheap.
	if c.relay != nil && len(out.Outputs) > 0 {
		if err := c.relay.EnqueueDownstream(ctx, msg, out.Outputs); err != nil {
			c.metrics.Abandoned.WithLabelValues(st).Inc()
			c.logger.Error("Downstream relay failed, abandoning for redelivery",
				zap.Error(err), zap.Int64("id", msg.ID))
			return
		}
		c.metrics.RelayEnqueued.WithLabelValues(st).Add(float64(len(out.Outputs)))
	}

	if err := c.dedup.MarkCompleted(ctx, msg); err != nil {
		// Tolerated: the next delivery reprocesses and handlers are
		// required to be idempotent. Alerted, never silent.
		c.metrics.LedgerFailOpen.WithLabelValues(st).Inc()
		c.logger.Error("Completion not recorded in ledger",
			zap.Error(err), zap.String("correlation_id", msg.CorrelationID))
	}

	if err := c.guard.Delete(ctx, msg); err != nil {
		// Safe: the completed record short-circuits the redelivery.
		c.metrics.DeletionFailed.WithLabelValues(st).Inc()
		c.logger.Error("Deletion failed, message left for redelivery",
			zap.Error(err), zap.Int64("id", msg.ID))
		return
	}

	c.metrics.Completed.WithLabelValues(st).Inc()
	c.logger.Info("Processing completed",
		zap.Int64("id", msg.ID),
		zap.Int64("duration_ms", duration.Milliseconds()),
		zap.Int64("timeout_budget_ms", budget.Milliseconds()))
}

func (c *Consumer) fail(ctx context.Context, msg *message.WorkMessage, err error) {
	st := c.opts.Stage
	kind := "failure"
	switch {
	case message.IsPoison(err):
		kind = "poison"
	case message.IsTimeout(err):
		kind = "timeout"
	}
	c.metrics.HandlerFailures.WithLabelValues(st, kind).Inc()

	if kind == "poison" {
		// No retry budget wasted on a payload that can never parse.
		c.deadLetter(ctx, msg, err)
		return
	}

	if msg.DequeueCount >= c.opts.MaxAttempts {
		c.deadLetter(ctx, msg, err)
		return
	}

	c.metrics.Abandoned.WithLabelValues(st).Inc()
	c.logger.Warn("Processing failed, leaving for redelivery",
		zap.Error(err),
		zap.Int64("id", msg.ID),
		zap.String("kind", kind),
		zap.Int("attempt", msg.DequeueCount),
		zap.Int("max_attempts", c.opts.MaxAttempts))
}

func (c *Consumer) deadLetter(ctx context.Context, msg *message.WorkMessage, cause error) {
	st := c.opts.Stage
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	entry := deadletter.Entry{
		OriginalID:    msg.ID,
		Queue:         msg.Queue,
		Class:         msg.Class,
		CorrelationID: msg.CorrelationID,
		Payload:       msg.Payload,
		LastError:     errText,
		Attempts:      msg.DequeueCount,
	}
	if err := c.dlq.Add(ctx, entry); err != nil {
		// Keep the message; it will redeliver and dead-letter again.
		c.metrics.Abandoned.WithLabelValues(st).Inc()
		c.logger.Error("Dead-letter store unavailable, abandoning for redelivery",
			zap.Error(err), zap.Int64("id", msg.ID))
		return
	}
	if err := c.guard.Delete(ctx, msg); err != nil {
		c.metrics.DeletionFailed.WithLabelValues(st).Inc()
		c.logger.Error("Deletion failed after dead-letter",
			zap.Error(err), zap.Int64("id", msg.ID))
		return
	}
	c.metrics.DeadLettered.WithLabelValues(st).Inc()
	c.logger.Warn("Message dead-lettered",
		zap.Int64("id", msg.ID),
		zap.String("correlation_id", msg.CorrelationID),
		zap.Int("attempts", msg.DequeueCount),
		zap.String("error", errText))
}
