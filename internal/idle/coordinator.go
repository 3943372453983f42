package idle

import (
	"fmt"
	"sync"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"

	"go.uber.org/zap"
)

// Coordinator decides when a worker may legitimately request termination.
// The platform autoscaler owns the actual scale-to-zero; this only emits an
// exit intent, and must emit it before the platform's cooldown would have
// killed the process anyway. The gap between stableEmpty and cooldown is
// the safety margin that absorbs scheduling jitter.
type Coordinator struct {
	mu          sync.Mutex
	stableEmpty time.Duration
	cooldown    time.Duration
	inflight    func() int
	logger      *log.Logger

	consecutiveEmpty int
	firstEmptyAt     time.Time
	lastNonEmptyAt   time.Time

	// Now is swappable so tests can drive the empty-duration clock.
	Now func() time.Time
}

// State is a snapshot for the ops surface.
type State struct {
	ConsecutiveEmptyPolls int       `json:"consecutive_empty_polls"`
	FirstEmptyAt          time.Time `json:"first_empty_at,omitempty"`
	LastNonEmptyAt        time.Time `json:"last_nonempty_at,omitempty"`
	Inflight              int       `json:"inflight"`
}

func New(stableEmpty, cooldown time.Duration, inflight func() int, logger *log.Logger) (*Coordinator, error) {
	if stableEmpty >= cooldown {
		return nil, fmt.Errorf("stable empty duration (%s) must be strictly less than platform cooldown (%s)",
			stableEmpty, cooldown)
	}
	return &Coordinator{
		stableEmpty: stableEmpty,
		cooldown:    cooldown,
		inflight:    inflight,
		logger:      logger,
		Now:         time.Now,
	}, nil
}

// Observe records the result of one poll. A non-empty poll, or a non-empty
// queue depth reading, resets the idle clock immediately.
func (c *Coordinator) Observe(received int, depth int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.Now()
	if received > 0 || depth > 0 {
		c.consecutiveEmpty = 0
		c.firstEmptyAt = time.Time{}
		c.lastNonEmptyAt = now
		return
	}
	c.consecutiveEmpty++
	if c.firstEmptyAt.IsZero() {
		c.firstEmptyAt = now
	}
}

// ShouldExit returns true once the queue has been stably empty and nothing
// is dispatching.
func (c *Coordinator) ShouldExit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firstEmptyAt.IsZero() {
		return false
	}
	if c.Now().Sub(c.firstEmptyAt) < c.stableEmpty {
		return false
	}
	if n := c.inflight(); n > 0 {
		c.logger.Debug("Exit deferred, dispatches in flight", zap.Int("inflight", n))
		return false
	}
	return true
}

func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		ConsecutiveEmptyPolls: c.consecutiveEmpty,
		FirstEmptyAt:          c.firstEmptyAt,
		LastNonEmptyAt:        c.lastNonEmptyAt,
		Inflight:              c.inflight(),
	}
}
