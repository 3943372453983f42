package deadletter

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used by unit tests.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	entries []Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (s *Memory) Add(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	if e.MovedAt.IsZero() {
		e.MovedAt = time.Now()
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *Memory) List(ctx context.Context, queue string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	var out []Entry
	for _, e := range s.entries {
		if e.Queue == queue {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Memory) Get(ctx context.Context, id int64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			out := e
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Memory) Remove(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

var _ Store = (*Memory)(nil)
