package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/ledger"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Decision is the outcome of a claim attempt.
type Decision int

const (
	// Proceed: no live record existed, this worker now owns the work.
	Proceed Decision = iota
	// Takeover: an in-progress record was stale (previous owner presumed
	// dead) and this worker claimed it. Processing continues like Proceed
	// but is logged distinctly.
	Takeover
	// DuplicateCompleted: the work is already done. The caller should
	// still delete the redelivered message.
	DuplicateCompleted
	// DuplicateInProgress: another worker is actively handling this
	// correlation ID. Abandon the delivery without deleting.
	DuplicateInProgress
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Takeover:
		return "takeover"
	case DuplicateCompleted:
		return "duplicate_completed"
	case DuplicateInProgress:
		return "duplicate_in_progress"
	}
	return "unknown"
}

// FailMode controls what happens when the ledger is unreachable.
type FailMode string

const (
	// FailOpen prefers occasional duplicate processing over blocking the
	// pipeline. Handlers are required to be idempotent where feasible.
	FailOpen FailMode = "open"
	// FailClosed abandons the delivery instead; for workload classes
	// where duplicate processing bills an external API, reprocessing is
	// worse than delay.
	FailClosed FailMode = "closed"
)

// Deduplicator gates processing on the durable idempotency ledger. A
// circuit breaker wraps every ledger call so a dead ledger trips once
// instead of paying the full timeout per message.
type Deduplicator struct {
	ledger   ledger.Ledger
	owner    string
	ttl      time.Duration
	failMode FailMode
	breaker  *gobreaker.CircuitBreaker
	logger   *log.Logger
}

func New(led ledger.Ledger, owner string, ttl time.Duration, failMode FailMode, logger *log.Logger) *Deduplicator {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dedupe-ledger",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Deduplicator{
		ledger:   led,
		owner:    owner,
		ttl:      ttl,
		failMode: failMode,
		breaker:  cb,
		logger:   logger,
	}
}

// CheckAndClaim decides whether this delivery should be processed.
// staleAfter is the visibility timeout for the message's class: an
// in-progress record older than that belongs to a worker that would have
// lost its lease by now.
func (d *Deduplicator) CheckAndClaim(ctx context.Context, msg *message.WorkMessage, staleAfter time.Duration) (Decision, error) {
	result, err := d.breaker.Execute(func() (interface{}, error) {
		return d.checkAndClaim(ctx, msg, staleAfter)
	})
	if err != nil {
		if d.failMode == FailClosed {
			return DuplicateInProgress, fmt.Errorf("%w: %v", message.ErrTransientLedger, err)
		}
		// Fail open toward Proceed; the alert is the caller's metric.
		d.logger.Error("Ledger unreachable, failing open",
			zap.Error(err), zap.String("correlation_id", msg.CorrelationID))
		return Proceed, fmt.Errorf("%w: %v", message.ErrTransientLedger, err)
	}
	return result.(Decision), nil
}

func (d *Deduplicator) checkAndClaim(ctx context.Context, msg *message.WorkMessage, staleAfter time.Duration) (Decision, error) {
	rec := ledger.Record{
		CorrelationID: msg.CorrelationID,
		MessageID:     msg.ID,
		Status:        ledger.StatusInProgress,
		Owner:         d.owner,
	}
	claimed, err := d.ledger.PutIfAbsent(ctx, rec, d.ttl)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if claimed {
		return Proceed, nil
	}

	cur, err := d.ledger.Get(ctx, msg.CorrelationID)
	if err != nil {
		return 0, fmt.Errorf("read record: %w", err)
	}
	if cur == nil {
		// Expired between the two calls; retry the claim once.
		claimed, err = d.ledger.PutIfAbsent(ctx, rec, d.ttl)
		if err != nil {
			return 0, fmt.Errorf("claim: %w", err)
		}
		if claimed {
			return Proceed, nil
		}
		return DuplicateInProgress, nil
	}

	if cur.Status == ledger.StatusCompleted {
		return DuplicateCompleted, nil
	}

	taken, err := d.ledger.UpdateIfStale(ctx, msg.CorrelationID, rec, staleAfter)
	if err != nil {
		return 0, fmt.Errorf("takeover: %w", err)
	}
	if taken {
		d.logger.Warn("Took over stale in-progress claim",
			zap.String("correlation_id", msg.CorrelationID),
			zap.String("previous_owner", cur.Owner))
		return Takeover, nil
	}
	return DuplicateInProgress, nil
}

// MarkCompleted records durable proof of completion. Called only after the
// handler succeeded and the downstream relay has enqueued its outputs.
func (d *Deduplicator) MarkCompleted(ctx context.Context, msg *message.WorkMessage) error {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.ledger.MarkCompleted(ctx, msg.CorrelationID, msg.ID, d.owner, d.ttl)
	})
	if err != nil {
		return fmt.Errorf("%w: mark completed: %v", message.ErrTransientLedger, err)
	}
	return nil
}
