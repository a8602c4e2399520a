package configuration

import (
	"time"

	"github.com/pkg/errors"
)

// DefaultConfig returns the configuration used when no overrides are given.
// The tier table is keyed on the total page count a report declares: larger
// result sets get lower default caps and denser yields.
func DefaultConfig() IngesterConfig {
	return IngesterConfig{
		MetricsPort:          9010,
		PairParallelism:      4,
		MemorySoftLimitBytes: 1 << 30,
		Api: ApiConfig{
			RequestTimeout: 30 * time.Second,
			MockPages:      12,
		},
		Scheduler: SchedulerConfig{
			GlobalMin:    1,
			GlobalMax:    8,
			GlobalStart:  2,
			RampStreak:   5,
			LaneMin:      1,
			LaneMax:      4,
			LaneStart:    2,
			Spike:        2 * time.Second,
			Recover:      500 * time.Millisecond,
			SampleWindow: 20,
		},
		Retry: RetryConfig{
			Limit:         3,
			BackoffBase:   250 * time.Millisecond,
			BackoffJitter: 250 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			Tiers: []Tier{
				{MaxTotalPages: 20, FetchCap: 6, ProcessingCap: 4, YieldEvery: 10},
				{MaxTotalPages: 60, FetchCap: 4, ProcessingCap: 3, YieldEvery: 5},
				{MaxTotalPages: 200, FetchCap: 3, ProcessingCap: 2, YieldEvery: 3},
				{MaxTotalPages: 0, FetchCap: 2, ProcessingCap: 1, YieldEvery: 2},
			},
			FetchCapMin:         1,
			ProcessingCapMin:    1,
			LatencyCooldown:     2 * time.Second,
			MemoryInterval:      5 * time.Second,
			MemoryPressureRatio: 0.85,
			MemoryRecoverRatio:  0.6,
			Spike:               2 * time.Second,
			Recover:             500 * time.Millisecond,
			AlwaysYieldPages:    100,
		},
		GreenZone: GreenZoneConfig{
			SampleWindow:     20,
			Streak:           2,
			P90Spike:         400 * time.Millisecond,
			P90Recover:       150 * time.Millisecond,
			Cooldown:         5 * time.Second,
			// BaseMax matches the scheduler's GlobalMax so the overlay only
			// ever elevates the limit; outside the green zone the scheduler
			// keeps its own ceiling.
			BaseMax:          8,
			GreenMax:         12,
			MemoryEnterRatio: 0.3,
		},
		Cadence: CadenceConfig{
			DefaultChunk:      50,
			MaxChunk:          400,
			ChunkStep:         50,
			Headroom:          30 * time.Millisecond,
			Slow:              120 * time.Millisecond,
			AdjustMinInterval: time.Second,
			DefaultInterval:   250 * time.Millisecond,
			HeavyInterval:     time.Second,
			BacklogThreshold:  2,
		},
		Remote: RemoteConfig{
			BatchSize:        5,
			BatchInterval:    500 * time.Millisecond,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// SelectTier returns the first tier covering totalPages.
func (c PipelineConfig) SelectTier(totalPages int) Tier {
	for _, tier := range c.Tiers {
		if tier.MaxTotalPages == 0 || totalPages <= tier.MaxTotalPages {
			return tier
		}
	}
	// Validate rejects tables without an unbounded tier, so this is only
	// reachable with a zero-value config.
	return Tier{FetchCap: 1, ProcessingCap: 1, YieldEvery: 1}
}

func (c IngesterConfig) Validate() error {
	if c.Scheduler.GlobalMin < 1 || c.Scheduler.GlobalMax < c.Scheduler.GlobalMin {
		return errors.Errorf("invalid global concurrency bounds [%d, %d]", c.Scheduler.GlobalMin, c.Scheduler.GlobalMax)
	}
	if c.Scheduler.GlobalStart < c.Scheduler.GlobalMin || c.Scheduler.GlobalStart > c.Scheduler.GlobalMax {
		return errors.Errorf("global concurrency start %d outside [%d, %d]", c.Scheduler.GlobalStart, c.Scheduler.GlobalMin, c.Scheduler.GlobalMax)
	}
	if c.Scheduler.LaneMin < 1 || c.Scheduler.LaneMax < c.Scheduler.LaneMin {
		return errors.Errorf("invalid lane cap bounds [%d, %d]", c.Scheduler.LaneMin, c.Scheduler.LaneMax)
	}
	if c.Scheduler.SampleWindow < 1 {
		return errors.Errorf("sample window must be positive, got %d", c.Scheduler.SampleWindow)
	}
	if len(c.Pipeline.Tiers) == 0 {
		return errors.New("pipeline tier table is empty")
	}
	last := c.Pipeline.Tiers[len(c.Pipeline.Tiers)-1]
	if last.MaxTotalPages != 0 {
		return errors.New("pipeline tier table must end with an unbounded tier")
	}
	prev := Tier{}
	for i, tier := range c.Pipeline.Tiers {
		if tier.FetchCap < 1 || tier.ProcessingCap < 1 || tier.YieldEvery < 1 {
			return errors.Errorf("tier %d has non-positive caps", i)
		}
		if i > 0 {
			if tier.MaxTotalPages != 0 && tier.MaxTotalPages <= prev.MaxTotalPages {
				return errors.Errorf("tier %d breaks ascending page ordering", i)
			}
			if tier.FetchCap > prev.FetchCap || tier.ProcessingCap > prev.ProcessingCap {
				return errors.Errorf("tier %d has larger caps than the preceding tier", i)
			}
		}
		prev = tier
	}
	if c.Retry.Limit < 0 {
		return errors.Errorf("retry limit must be non-negative, got %d", c.Retry.Limit)
	}
	if c.PairParallelism < 1 {
		return errors.Errorf("pair parallelism must be positive, got %d", c.PairParallelism)
	}
	if c.MemorySoftLimitBytes == 0 {
		return errors.New("memory soft limit must be positive")
	}
	if c.GreenZone.SampleWindow > 0 {
		if c.GreenZone.BaseMax < c.Scheduler.GlobalMax {
			return errors.Errorf("green zone base ceiling %d below global concurrency max %d", c.GreenZone.BaseMax, c.Scheduler.GlobalMax)
		}
		if c.GreenZone.GreenMax < c.GreenZone.BaseMax {
			return errors.Errorf("green zone ceiling %d below its base %d", c.GreenZone.GreenMax, c.GreenZone.BaseMax)
		}
	}
	return nil
}
