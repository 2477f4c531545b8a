package batch

import (
	"sort"
	"sync"
	"time"
)

// sizeController implements the AIMD sizing policy for sub-batches:
// multiplicative decrease on throttle signals or p95 latency over the SLA,
// additive increase after a streak of clean sub-batches.
type sizeController struct {
	mu sync.Mutex

	desired int
	min     int
	max     int

	latencies   []time.Duration // trailing window, newest last
	windowSize  int
	latencySLA  time.Duration
	cleanStreak int
	streakGoal  int
	step        int
}

func newSizeController(initial, min, max, windowSize, streakGoal, step int, latencySLA time.Duration) *sizeController {
	if min < 1 {
		min = 1
	}
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}

	return &sizeController{
		desired:    initial,
		min:        min,
		max:        max,
		windowSize: windowSize,
		latencySLA: latencySLA,
		streakGoal: streakGoal,
		step:       step,
	}
}

// Size returns the current desired sub-batch size.
func (c *sizeController) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired
}

// RecordClean accounts a sub-batch that finished without throttle signals.
// High trailing p95 latency still halves the size.
func (c *sizeController) RecordClean(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latencies = append(c.latencies, latency)
	if len(c.latencies) > c.windowSize {
		c.latencies = c.latencies[len(c.latencies)-c.windowSize:]
	}

	if c.latencySLA > 0 && c.p95Locked() > c.latencySLA {
		c.halveLocked()
		return
	}

	c.cleanStreak++
	if c.cleanStreak >= c.streakGoal {
		c.cleanStreak = 0
		c.desired += c.step
		if c.desired > c.max {
			c.desired = c.max
		}
	}
}

// RecordThrottle halves the desired size in response to a rate-limit or
// transient server signal.
func (c *sizeController) RecordThrottle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halveLocked()
}

func (c *sizeController) halveLocked() {
	c.cleanStreak = 0
	c.desired /= 2
	if c.desired < c.min {
		c.desired = c.min
	}
}

func (c *sizeController) p95Locked() time.Duration {
	if len(c.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(c.latencies))
	copy(sorted, c.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
