package cadence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/reportpump/reportpump/internal/ingester/configuration"
)

func testController() *Controller {
	return NewController(configuration.CadenceConfig{
		DefaultChunk:      50,
		MaxChunk:          200,
		ChunkStep:         50,
		Headroom:          30 * time.Millisecond,
		Slow:              120 * time.Millisecond,
		AdjustMinInterval: time.Second,
		DefaultInterval:   250 * time.Millisecond,
		HeavyInterval:     time.Second,
		BacklogThreshold:  2,
	})
}

func TestChunkGrowthNeedsStreakCooldownAndEmptyBacklog(t *testing.T) {
	c := testController()
	now := time.Now()
	s := c.InitialState()
	s.LastAdjust = now.Add(-2 * time.Second)

	fast := BatchSample{Duration: 10 * time.Millisecond, Now: now}

	// One fast batch is not enough.
	s = c.UpdateChunkSizing(s, fast)
	assert.Equal(t, 50, s.ChunkSize)
	assert.Equal(t, 1, s.HeadroomStreak)

	s = c.UpdateChunkSizing(s, fast)
	assert.Equal(t, 100, s.ChunkSize)
	assert.Equal(t, 0, s.HeadroomStreak)
	assert.Equal(t, now, s.LastAdjust)

	// A streak inside the adjust cooldown does not grow again.
	s = c.UpdateChunkSizing(s, fast)
	s = c.UpdateChunkSizing(s, fast)
	assert.Equal(t, 100, s.ChunkSize)

	// After the cooldown the accumulated streak takes effect.
	later := BatchSample{Duration: 10 * time.Millisecond, Now: now.Add(2 * time.Second)}
	s = c.UpdateChunkSizing(s, later)
	assert.Equal(t, 150, s.ChunkSize)
}

func TestChunkGrowthBlockedByBacklog(t *testing.T) {
	c := testController()
	now := time.Now()
	s := c.InitialState()
	s.LastAdjust = now.Add(-2 * time.Second)

	busy := BatchSample{Duration: 10 * time.Millisecond, Backlog: 1, Now: now}
	s = c.UpdateChunkSizing(s, busy)
	s = c.UpdateChunkSizing(s, busy)
	assert.Equal(t, 50, s.ChunkSize)
	assert.Equal(t, 2, s.HeadroomStreak)
}

func TestChunkShrinksImmediatelyWhenSlowWithBacklog(t *testing.T) {
	c := testController()
	now := time.Now()
	s := State{ChunkSize: 200, PartialInterval: 250 * time.Millisecond, LastAdjust: now}

	// No cooldown applies to shrinking.
	slow := BatchSample{Duration: 200 * time.Millisecond, Backlog: 3, Now: now.Add(time.Millisecond)}
	s = c.UpdateChunkSizing(s, slow)
	assert.Equal(t, 150, s.ChunkSize)
	s = c.UpdateChunkSizing(s, slow)
	s = c.UpdateChunkSizing(s, slow)
	s = c.UpdateChunkSizing(s, slow)
	assert.Equal(t, 50, s.ChunkSize, "shrink floors at the default size")

	// Slow without backlog only clears the streak.
	s.HeadroomStreak = 1
	s = c.UpdateChunkSizing(s, BatchSample{Duration: 200 * time.Millisecond, Now: now})
	assert.Equal(t, 50, s.ChunkSize)
	assert.Equal(t, 0, s.HeadroomStreak)
}

func TestChunkGrowthCapsAtMax(t *testing.T) {
	c := testController()
	s := State{ChunkSize: 200, HeadroomStreak: 1}
	s = c.UpdateChunkSizing(s, BatchSample{Duration: time.Millisecond, Now: time.Now()})
	assert.Equal(t, 200, s.ChunkSize)
}

func TestPartialIntervalAsymmetry(t *testing.T) {
	c := testController()
	now := time.Now()
	s := c.InitialState()

	// Instant switch to the heavy cadence above the threshold.
	s = c.UpdatePartialInterval(s, EmitSample{Backlog: 3, Now: now})
	assert.Equal(t, time.Second, s.PartialInterval)

	// Dropping below the threshold is not enough to revert.
	s = c.UpdatePartialInterval(s, EmitSample{Backlog: 1, Now: now})
	assert.Equal(t, time.Second, s.PartialInterval)

	// Only a fully drained backlog restores the default cadence.
	s = c.UpdatePartialInterval(s, EmitSample{Backlog: 0, Now: now})
	assert.Equal(t, 250*time.Millisecond, s.PartialInterval)
}
