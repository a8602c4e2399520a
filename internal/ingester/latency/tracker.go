// Package latency maintains rolling latency sample windows, one per lane,
// and computes percentile statistics on demand.
package latency

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/reportpump/reportpump/pkg/api"
)

// Tracker holds a fixed-capacity ring of recent durations per lane.
// Appending evicts the oldest sample once the window is full.
type Tracker struct {
	window int
	lanes  map[api.ReportType]*ring
	mu     sync.Mutex
}

type ring struct {
	samples []time.Duration
	next    int
	count   int
}

func NewTracker(window int) *Tracker {
	if window < 1 {
		window = 1
	}
	return &Tracker{
		window: window,
		lanes:  make(map[api.ReportType]*ring),
	}
}

func (t *Tracker) Record(lane api.ReportType, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.lanes[lane]
	if !ok {
		r = &ring{samples: make([]time.Duration, t.window)}
		t.lanes[lane] = r
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % t.window
	if r.count < t.window {
		r.count++
	}
}

// P90 returns the 90th-percentile duration of the lane's window,
// or 0 if the lane has no samples.
func (t *Tracker) P90(lane api.ReportType) time.Duration {
	return t.Percentile(lane, 90)
}

// Percentile computes the given percentile over the lane's current window.
func (t *Tracker) Percentile(lane api.ReportType, pct int) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.lanes[lane]
	if !ok || r.count == 0 {
		return 0
	}
	sorted := make([]time.Duration, r.count)
	copy(sorted, r.samples[:r.count])
	slices.Sort(sorted)
	idx := r.count * pct / 100
	if idx >= r.count {
		idx = r.count - 1
	}
	return sorted[idx]
}

// Count returns the number of samples currently held for the lane.
func (t *Tracker) Count(lane api.ReportType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.lanes[lane]
	if !ok {
		return 0
	}
	return r.count
}
