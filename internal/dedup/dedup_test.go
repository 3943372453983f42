package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/ledger"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"
)

func testMessage(cid string) *message.WorkMessage {
	return &message.WorkMessage{
		ID:            42,
		Queue:         "process-requests",
		Class:         "transform",
		CorrelationID: cid,
		DequeueCount:  1,
	}
}

func TestFirstClaimProceeds(t *testing.T) {
	led := ledger.NewMemory()
	d := New(led, "worker-1", time.Hour, FailOpen, log.Nop())

	decision, err := d.CheckAndClaim(context.Background(), testMessage("c1"), 30*time.Second)
	if err != nil {
		t.Fatalf("claim failed: %s", err)
	}
	if decision != Proceed {
		t.Fatalf("expected Proceed, got %s", decision)
	}

	rec, err := led.Get(context.Background(), "c1")
	if err != nil || rec == nil {
		t.Fatalf("expected in-progress record, got rec=%v err=%v", rec, err)
	}
	if rec.Status != ledger.StatusInProgress || rec.Owner != "worker-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestLiveClaimIsDuplicateInProgress(t *testing.T) {
	led := ledger.NewMemory()
	a := New(led, "worker-a", time.Hour, FailOpen, log.Nop())
	b := New(led, "worker-b", time.Hour, FailOpen, log.Nop())

	if decision, _ := a.CheckAndClaim(context.Background(), testMessage("c1"), 30*time.Second); decision != Proceed {
		t.Fatalf("expected Proceed for first claim, got %s", decision)
	}
	decision, err := b.CheckAndClaim(context.Background(), testMessage("c1"), 30*time.Second)
	if err != nil {
		t.Fatalf("claim failed: %s", err)
	}
	if decision != DuplicateInProgress {
		t.Fatalf("expected DuplicateInProgress against a live claim, got %s", decision)
	}
}

func TestCompletedShortCircuits(t *testing.T) {
	led := ledger.NewMemory()
	d := New(led, "worker-1", time.Hour, FailOpen, log.Nop())
	msg := testMessage("c1")

	if decision, _ := d.CheckAndClaim(context.Background(), msg, 30*time.Second); decision != Proceed {
		t.Fatal("expected Proceed for first claim")
	}
	if err := d.MarkCompleted(context.Background(), msg); err != nil {
		t.Fatalf("mark completed: %s", err)
	}

	// The redelivered copy carries a different message ID but the same
	// correlation ID.
	dup := testMessage("c1")
	dup.ID = 43
	decision, err := d.CheckAndClaim(context.Background(), dup, 30*time.Second)
	if err != nil {
		t.Fatalf("claim failed: %s", err)
	}
	if decision != DuplicateCompleted {
		t.Fatalf("expected DuplicateCompleted, got %s", decision)
	}
}

func TestStaleClaimTakeover(t *testing.T) {
	led := ledger.NewMemory()
	now := time.Unix(1000, 0)
	led.Now = func() time.Time { return now }

	a := New(led, "worker-a", time.Hour, FailOpen, log.Nop())
	b := New(led, "worker-b", time.Hour, FailOpen, log.Nop())

	if decision, _ := a.CheckAndClaim(context.Background(), testMessage("c1"), 30*time.Second); decision != Proceed {
		t.Fatal("expected Proceed for first claim")
	}

	// Within the visibility window the claim is still live.
	now = now.Add(20 * time.Second)
	if decision, _ := b.CheckAndClaim(context.Background(), testMessage("c1"), 30*time.Second); decision != DuplicateInProgress {
		t.Fatal("claim should still be live inside the visibility window")
	}

	// Past it, worker-a is presumed dead and worker-b takes over.
	now = now.Add(15 * time.Second)
	decision, err := b.CheckAndClaim(context.Background(), testMessage("c1"), 30*time.Second)
	if err != nil {
		t.Fatalf("claim failed: %s", err)
	}
	if decision != Takeover {
		t.Fatalf("expected Takeover of stale claim, got %s", decision)
	}

	rec, _ := led.Get(context.Background(), "c1")
	if rec == nil || rec.Owner != "worker-b" {
		t.Fatalf("takeover did not transfer ownership: %+v", rec)
	}
}

type brokenLedger struct{}

func (brokenLedger) PutIfAbsent(context.Context, ledger.Record, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenLedger) UpdateIfStale(context.Context, string, ledger.Record, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenLedger) MarkCompleted(context.Context, string, int64, string, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenLedger) Get(context.Context, string) (*ledger.Record, error) {
	return nil, errors.New("connection refused")
}

func TestFailOpenProceedsWithError(t *testing.T) {
	d := New(brokenLedger{}, "worker-1", time.Hour, FailOpen, log.Nop())
	decision, err := d.CheckAndClaim(context.Background(), testMessage("c1"), 30*time.Second)
	if decision != Proceed {
		t.Fatalf("fail-open must yield Proceed, got %s", decision)
	}
	if !errors.Is(err, message.ErrTransientLedger) {
		t.Fatalf("expected transient ledger error alongside Proceed, got %v", err)
	}
}

func TestFailClosedAbandons(t *testing.T) {
	d := New(brokenLedger{}, "worker-1", time.Hour, FailClosed, log.Nop())
	decision, err := d.CheckAndClaim(context.Background(), testMessage("c1"), 30*time.Second)
	if decision == Proceed {
		t.Fatal("fail-closed must never yield Proceed")
	}
	if !errors.Is(err, message.ErrTransientLedger) {
		t.Fatalf("expected transient ledger error, got %v", err)
	}
}
