package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/id"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"
)

// Memory is an in-process Queue used by unit tests and local development.
// It honors the same lease semantics as the real backends: an undeleted
// message becomes redeliverable once its lease lapses, with DequeueCount
// incremented.
type Memory struct {
	mu   sync.Mutex
	name string
	node *id.Node
	msgs map[int64]*message.WorkMessage
	// Now is swappable so tests can drive lease expiry without sleeping.
	Now func() time.Time
}

func NewMemory(name string) *Memory {
	node, _ := id.NewNode(1)
	return &Memory{
		name: name,
		node: node,
		msgs: make(map[int64]*message.WorkMessage),
		Now:  time.Now,
	}
}

func (m *Memory) Enqueue(ctx context.Context, items []message.WorkItem) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(items))
	now := m.Now()
	for _, it := range items {
		msgID := m.node.Generate()
		m.msgs[msgID] = &message.WorkMessage{
			ID:            msgID,
			Queue:         m.name,
			Class:         it.Class,
			CorrelationID: it.CorrelationID,
			Payload:       it.Payload,
			EnqueuedAt:    now,
		}
		ids = append(ids, msgID)
	}
	return ids, nil
}

func (m *Memory) Receive(ctx context.Context, batch int, visibility time.Duration) ([]message.WorkMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()

	ready := make([]*message.WorkMessage, 0)
	for _, msg := range m.msgs {
		if msg.LeaseExpiresAt.IsZero() || !msg.LeaseExpiresAt.After(now) {
			ready = append(ready, msg)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	if len(ready) > batch {
		ready = ready[:batch]
	}

	out := make([]message.WorkMessage, 0, len(ready))
	for _, msg := range ready {
		msg.Receipt = id.NewReceipt()
		msg.DequeueCount++
		msg.LeaseExpiresAt = now.Add(visibility)
		out = append(out, *msg)
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, msg *message.WorkMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.msgs[msg.ID]
	if !ok {
		return nil
	}
	if cur.Receipt != msg.Receipt {
		return message.ErrStaleReceipt
	}
	delete(m.msgs, msg.ID)
	return nil
}

func (m *Memory) ExtendVisibility(ctx context.Context, msg *message.WorkMessage, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.msgs[msg.ID]
	if !ok || cur.Receipt != msg.Receipt {
		return message.ErrStaleReceipt
	}
	cur.LeaseExpiresAt = m.Now().Add(d)
	return nil
}

func (m *Memory) Peek(ctx context.Context, msgID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.msgs[msgID]
	return ok, nil
}

func (m *Memory) Depth(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	var n int64
	for _, msg := range m.msgs {
		if msg.LeaseExpiresAt.IsZero() || !msg.LeaseExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

var _ Queue = (*Memory)(nil)
