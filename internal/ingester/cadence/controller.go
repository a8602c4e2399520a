// Package cadence paces row-batch sizes and partial-result emission so a
// host thread stays responsive while an ingestion run is draining pages.
package cadence

import (
	"time"

	"github.com/reportpump/reportpump/internal/common/util"
	"github.com/reportpump/reportpump/internal/ingester/configuration"
)

// State is the adaptive cadence state threaded through the update calls.
// Callers own it; the controller never retains a reference.
type State struct {
	ChunkSize       int
	PartialInterval time.Duration
	HeadroomStreak  int
	LastAdjust      time.Time
}

// BatchSample describes one completed processing batch.
type BatchSample struct {
	Duration time.Duration
	Backlog  int
	Now      time.Time
}

// EmitSample describes the backlog observed at a partial-emission decision.
type EmitSample struct {
	Backlog   int
	ChunkSize int
	Now       time.Time
}

// Controller applies the chunk and interval policies. It holds configuration
// only; all mutable state lives in the State values passed by the caller.
type Controller struct {
	cfg configuration.CadenceConfig
}

func NewController(cfg configuration.CadenceConfig) *Controller {
	return &Controller{cfg: cfg}
}

// InitialState returns the starting cadence for a fresh run.
func (c *Controller) InitialState() State {
	return State{
		ChunkSize:       c.cfg.DefaultChunk,
		PartialInterval: c.cfg.DefaultInterval,
	}
}

// UpdateChunkSizing applies one batch observation. Growth needs the adjust
// cooldown elapsed, two consecutive fast batches, and an empty backlog.
// Shrinking has no cooldown: a slow batch with a backlog steps the chunk
// size back down immediately.
func (c *Controller) UpdateChunkSizing(s State, sample BatchSample) State {
	if sample.Duration >= c.cfg.Slow && sample.Backlog > 0 {
		s.ChunkSize = util.Clamp(s.ChunkSize-c.cfg.ChunkStep, c.cfg.DefaultChunk, c.cfg.MaxChunk)
		s.HeadroomStreak = 0
		s.LastAdjust = sample.Now
		return s
	}

	if sample.Duration < c.cfg.Headroom {
		s.HeadroomStreak++
	} else {
		s.HeadroomStreak = 0
	}

	if s.HeadroomStreak >= 2 &&
		sample.Backlog == 0 &&
		sample.Now.Sub(s.LastAdjust) >= c.cfg.AdjustMinInterval {
		s.ChunkSize = util.Clamp(s.ChunkSize+c.cfg.ChunkStep, c.cfg.DefaultChunk, c.cfg.MaxChunk)
		s.HeadroomStreak = 0
		s.LastAdjust = sample.Now
	}
	return s
}

// UpdatePartialInterval picks the emission cadence for the observed backlog.
// The switch to the heavy cadence is instant; reverting requires the backlog
// to drain completely, not merely dip below the threshold.
func (c *Controller) UpdatePartialInterval(s State, sample EmitSample) State {
	switch {
	case sample.Backlog > c.cfg.BacklogThreshold:
		s.PartialInterval = c.cfg.HeavyInterval
	case sample.Backlog == 0:
		s.PartialInterval = c.cfg.DefaultInterval
	}
	return s
}
