package visibility

import (
	"sort"
	"sync"
	"time"
)

// RiskThreshold is the utilization ratio above which a processed message is
// flagged as a timeout risk so the window adapts on the next recomputation.
const RiskThreshold = 0.8

// Policy computes per-workload-class visibility timeouts from a rolling
// window of observed processing durations. Classes differ by an order of
// magnitude, so a single shared constant is deliberately not supported:
// every class gets its own distribution.
type Policy struct {
	mu         sync.Mutex
	floor      time.Duration
	ceiling    time.Duration
	safety     float64
	windowSize int
	minSamples int
	classes    map[string]*window
}

type window struct {
	samples []time.Duration
	next    int
	full    bool
}

func NewPolicy(floor, ceiling time.Duration, safety float64, windowSize, minSamples int) *Policy {
	if windowSize <= 0 {
		windowSize = 100
	}
	if minSamples <= 0 {
		minSamples = 10
	}
	if safety < 1.0 {
		safety = 1.5
	}
	return &Policy{
		floor:      floor,
		ceiling:    ceiling,
		safety:     safety,
		windowSize: windowSize,
		minSamples: minSamples,
		classes:    make(map[string]*window),
	}
}

// Observe records one end-to-end processing duration for the class.
func (p *Policy) Observe(class string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.classes[class]
	if !ok {
		w = &window{samples: make([]time.Duration, p.windowSize)}
		p.classes[class] = w
	}
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Compute returns clamp(p99 * safety, floor, ceiling) over the class's
// window. Below the minimum sample count it serves the floor: a timeout is
// never derived from a single sample.
func (p *Policy) Compute(class string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.classes[class]
	if !ok {
		return p.floor
	}
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	if n < p.minSamples {
		return p.floor
	}

	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (n*99 + 99) / 100
	if idx > n {
		idx = n
	}
	p99 := sorted[idx-1]

	timeout := time.Duration(float64(p99) * p.safety)
	if timeout < p.floor {
		timeout = p.floor
	}
	if timeout > p.ceiling {
		timeout = p.ceiling
	}
	return timeout
}

// Utilization returns actual/budget and whether it crosses the risk
// threshold.
func Utilization(actual, budget time.Duration) (float64, bool) {
	if budget <= 0 {
		return 0, false
	}
	ratio := float64(actual) / float64(budget)
	return ratio, ratio > RiskThreshold
}
