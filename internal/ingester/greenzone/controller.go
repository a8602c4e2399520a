// Package greenzone grants an elevated concurrency ceiling after sustained
// low latency and available memory headroom, and revokes it immediately on
// any disqualifying signal.
package greenzone

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/reportpump/reportpump/internal/common/util"
	"github.com/reportpump/reportpump/internal/ingester/configuration"
	"github.com/reportpump/reportpump/internal/ingester/memory"
	"github.com/reportpump/reportpump/pkg/api"
)

// Controller tracks a rolling latency p90 and decides whether the embedding
// application may lift its concurrency ceiling. Entry requires a streak of
// qualifying samples after any cooldown has elapsed; exit is immediate on a
// spike or on memory pressure while green.
type Controller struct {
	cfg   configuration.GreenZoneConfig
	probe memory.Probe // may be nil, disabling the memory disqualifier
	clock util.Clock

	mu       sync.Mutex
	samples  []time.Duration
	next     int
	count    int
	entered  bool
	streak   int
	lastExit time.Time
	// External clamp on the returned ceiling; 0 means unset.
	backpressureCeiling int
}

func NewController(cfg configuration.GreenZoneConfig, probe memory.Probe) *Controller {
	window := util.Max(cfg.SampleWindow, 1)
	return &Controller{
		cfg:     cfg,
		probe:   probe,
		clock:   &util.DefaultClock{},
		samples: make([]time.Duration, window),
	}
}

func (c *Controller) WithClock(clock util.Clock) *Controller {
	c.clock = clock
	return c
}

// RecordSample feeds one latency observation and updates the green state.
func (c *Controller) RecordSample(lane api.ReportType, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples[c.next] = latency
	c.next = (c.next + 1) % len(c.samples)
	if c.count < len(c.samples) {
		c.count++
	}
	p90 := c.p90Locked()

	if p90 >= c.cfg.P90Spike {
		c.exitLocked("latency spike", lane)
		return
	}
	if c.entered && c.memoryPressureLocked() {
		c.exitLocked("memory pressure", lane)
		return
	}
	if p90 > c.cfg.P90Recover {
		// Neither qualifying nor disqualifying; the streak restarts.
		c.streak = 0
		return
	}
	if !c.entered {
		if c.clock.Now().Sub(c.lastExit) < c.cfg.Cooldown {
			// Samples during cooldown never count toward re-entry.
			c.streak = 0
			return
		}
		c.streak++
		if c.streak >= c.cfg.Streak {
			c.entered = true
			log.WithField("lane", lane).Debug("entered green zone")
		}
	}
}

// IsGreen reports whether the elevated ceiling is currently granted.
func (c *Controller) IsGreen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entered
}

// ConcurrencyCeiling returns the ceiling the caller should apply: GreenMax
// while green, BaseMax otherwise, clamped to any backpressure ceiling.
func (c *Controller) ConcurrencyCeiling() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ceiling := c.cfg.BaseMax
	if c.entered {
		ceiling = c.cfg.GreenMax
	}
	if c.backpressureCeiling > 0 && c.backpressureCeiling < ceiling {
		ceiling = c.backpressureCeiling
	}
	return ceiling
}

// SetBackpressureCeiling clamps the ceiling externally. Setting it below the
// value currently returned forces an immediate exit from the green state.
func (c *Controller) SetBackpressureCeiling(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.cfg.BaseMax
	if c.entered {
		current = c.cfg.GreenMax
	}
	if c.backpressureCeiling > 0 && c.backpressureCeiling < current {
		current = c.backpressureCeiling
	}
	c.backpressureCeiling = n
	if n > 0 && n < current && c.entered {
		c.exitLocked("backpressure ceiling lowered", "")
	}
}

func (c *Controller) exitLocked(reason string, lane api.ReportType) {
	if c.entered {
		log.WithField("lane", lane).WithField("reason", reason).Debug("left green zone")
	}
	c.entered = false
	c.streak = 0
	// Discard the window so the offending samples cannot keep the p90
	// elevated after the exit has already been acted on.
	c.next = 0
	c.count = 0
	c.lastExit = c.clock.Now()
}

func (c *Controller) p90Locked() time.Duration {
	if c.count == 0 {
		return 0
	}
	sorted := make([]time.Duration, c.count)
	copy(sorted, c.samples[:c.count])
	slices.Sort(sorted)
	idx := c.count * 90 / 100
	if idx >= c.count {
		idx = c.count - 1
	}
	return sorted[idx]
}

// memoryPressureLocked checks the headroom probe against the configured
// enter ratio's complement.
func (c *Controller) memoryPressureLocked() bool {
	if c.probe == nil {
		return false
	}
	ratio, err := c.probe.HeadroomRatio()
	if err != nil {
		log.WithError(err).Warn("failed to sample memory headroom for green zone")
		return false
	}
	return ratio > 1-c.cfg.MemoryEnterRatio
}
