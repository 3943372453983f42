package deletion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"
)

// scriptedQueue returns canned results per delete/peek call so tests can
// reproduce the delete-reports-success-but-message-reappears failure.
type scriptedQueue struct {
	deleteErrs []error
	peekExists []bool
	deletes    int
	peeks      int
}

func (s *scriptedQueue) Enqueue(context.Context, []message.WorkItem) ([]int64, error) {
	return nil, nil
}
func (s *scriptedQueue) Receive(context.Context, int, time.Duration) ([]message.WorkMessage, error) {
	return nil, nil
}
func (s *scriptedQueue) ExtendVisibility(context.Context, *message.WorkMessage, time.Duration) error {
	return nil
}
func (s *scriptedQueue) Depth(context.Context) (int64, error) { return 0, nil }

func (s *scriptedQueue) Delete(context.Context, *message.WorkMessage) error {
	var err error
	if s.deletes < len(s.deleteErrs) {
		err = s.deleteErrs[s.deletes]
	}
	s.deletes++
	return err
}

func (s *scriptedQueue) Peek(context.Context, int64) (bool, error) {
	exists := false
	if s.peeks < len(s.peekExists) {
		exists = s.peekExists[s.peeks]
	}
	s.peeks++
	return exists, nil
}

func TestDeleteVerifiesAndSucceeds(t *testing.T) {
	q := &scriptedQueue{deleteErrs: []error{nil}, peekExists: []bool{false}}
	g := NewGuard(q, 3, time.Millisecond, log.Nop())

	if err := g.Delete(context.Background(), &message.WorkMessage{ID: 1}); err != nil {
		t.Fatalf("delete failed: %s", err)
	}
	if q.deletes != 1 || q.peeks != 1 {
		t.Fatalf("expected one delete and one verification, got %d/%d", q.deletes, q.peeks)
	}
}

func TestDeleteRetriesWhenMessageReappears(t *testing.T) {
	// First delete reports success but the verification peek still sees the
	// message; the second round actually removes it.
	q := &scriptedQueue{
		deleteErrs: []error{nil, nil},
		peekExists: []bool{true, false},
	}
	g := NewGuard(q, 3, time.Millisecond, log.Nop())
	retries := 0
	g.RetryObserver = func() { retries++ }

	if err := g.Delete(context.Background(), &message.WorkMessage{ID: 1}); err != nil {
		t.Fatalf("delete failed: %s", err)
	}
	if q.deletes != 2 {
		t.Fatalf("expected a second delete attempt, got %d", q.deletes)
	}
	if retries != 1 {
		t.Fatalf("expected one observed retry, got %d", retries)
	}
}

func TestDeleteRetriesTransientErrors(t *testing.T) {
	q := &scriptedQueue{
		deleteErrs: []error{errors.New("timeout"), nil},
		peekExists: []bool{false},
	}
	g := NewGuard(q, 3, time.Millisecond, log.Nop())

	if err := g.Delete(context.Background(), &message.WorkMessage{ID: 1}); err != nil {
		t.Fatalf("delete failed: %s", err)
	}
	if q.deletes != 2 {
		t.Fatalf("expected retry after transient error, got %d attempts", q.deletes)
	}
}

func TestDeleteStaleReceiptFailsFast(t *testing.T) {
	q := &scriptedQueue{deleteErrs: []error{message.ErrStaleReceipt}}
	g := NewGuard(q, 5, time.Millisecond, log.Nop())

	err := g.Delete(context.Background(), &message.WorkMessage{ID: 1})
	if !errors.Is(err, ErrDeleteFailed) {
		t.Fatalf("expected ErrDeleteFailed, got %v", err)
	}
	if q.deletes != 1 {
		t.Fatalf("stale receipt must not be retried, got %d attempts", q.deletes)
	}
}

func TestDeleteGivesUpAfterMaxRetries(t *testing.T) {
	q := &scriptedQueue{
		deleteErrs: []error{nil, nil, nil},
		peekExists: []bool{true, true, true},
	}
	g := NewGuard(q, 3, time.Millisecond, log.Nop())

	err := g.Delete(context.Background(), &message.WorkMessage{ID: 1})
	if !errors.Is(err, ErrDeleteFailed) {
		t.Fatalf("expected ErrDeleteFailed after exhausting retries, got %v", err)
	}
	if q.deletes != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", q.deletes)
	}
}
