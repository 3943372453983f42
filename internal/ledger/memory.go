package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Ledger used by unit tests.
type Memory struct {
	mu   sync.Mutex
	recs map[string]Record
	// Now is swappable so tests can drive staleness without sleeping.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		recs: make(map[string]Record),
		Now:  time.Now,
	}
}

func (m *Memory) live(rec Record) bool {
	return rec.ExpiresAt.After(m.Now())
}

func (m *Memory) PutIfAbsent(ctx context.Context, rec Record, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.recs[rec.CorrelationID]; ok && m.live(cur) {
		return false, nil
	}
	rec.ExpiresAt = m.Now().Add(ttl)
	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = m.Now()
	}
	m.recs[rec.CorrelationID] = rec
	return true, nil
}

func (m *Memory) UpdateIfStale(ctx context.Context, correlationID string, rec Record, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[correlationID]
	if !ok || !m.live(cur) {
		return false, nil
	}
	if cur.Status != StatusInProgress {
		return false, nil
	}
	if cur.FirstSeenAt.Add(staleAfter).After(m.Now()) {
		return false, nil
	}
	rec.CorrelationID = correlationID
	rec.FirstSeenAt = m.Now()
	rec.ExpiresAt = cur.ExpiresAt
	m.recs[correlationID] = rec
	return true, nil
}

func (m *Memory) MarkCompleted(ctx context.Context, correlationID string, messageID int64, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	cur, ok := m.recs[correlationID]
	if !ok || !m.live(cur) {
		cur = Record{
			CorrelationID: correlationID,
			MessageID:     messageID,
			Owner:         owner,
			FirstSeenAt:   now,
		}
	}
	cur.Status = StatusCompleted
	cur.CompletedAt = now
	cur.ExpiresAt = now.Add(ttl)
	m.recs[correlationID] = cur
	return nil
}

func (m *Memory) Get(ctx context.Context, correlationID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[correlationID]
	if !ok || !m.live(cur) {
		return nil, nil
	}
	out := cur
	return &out, nil
}

var _ Ledger = (*Memory)(nil)
