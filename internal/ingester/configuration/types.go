package configuration

import (
	"time"
)

type IngesterConfig struct {
	MetricsPort uint16

	Api       ApiConfig
	Scheduler SchedulerConfig
	Retry     RetryConfig
	Pipeline  PipelineConfig
	GreenZone GreenZoneConfig
	Cadence   CadenceConfig
	Remote    RemoteConfig

	// Maximum number of report/facility pipelines driven concurrently.
	PairParallelism int
	// Heap budget the memory headroom probe measures against.
	MemorySoftLimitBytes uint64
}

type ApiConfig struct {
	BaseUrl        string
	AuthToken      string
	RequestTimeout time.Duration
	// Mock replaces the HTTP fetcher with a synthetic page generator.
	Mock bool
	// MockPages is the number of pages each mock report/facility pair declares.
	MockPages int
}

type SchedulerConfig struct {
	// Bounds and starting point of the global concurrency limit.
	GlobalMin   int
	GlobalMax   int
	GlobalStart int
	// Number of consecutive successes after which the global limit grows by 1.
	RampStreak int
	// Bounds and starting point of each lane's cap.
	LaneMin   int
	LaneMax   int
	LaneStart int
	// Lane p90 thresholds. Above Spike the lane cap is halved, below Recover
	// it grows by 1 toward LaneMax.
	Spike   time.Duration
	Recover time.Duration
	// Number of latency samples retained per lane.
	SampleWindow int
}

type RetryConfig struct {
	// Maximum number of retries of a transient failure. The first attempt is
	// not counted as a retry.
	Limit int
	// Backoff sleep before retry n is BackoffBase * 2^n plus up to
	// BackoffJitter of random jitter.
	BackoffBase   time.Duration
	BackoffJitter time.Duration
}

// Tier is a preset bundle of default caps and yield cadence, selected by the
// total page count a fetch declares. Fewer pages allow more aggressive caps.
type Tier struct {
	// MaxTotalPages is the largest declared page count this tier covers.
	// 0 means unbounded; the unbounded tier must come last.
	MaxTotalPages int
	FetchCap      int
	ProcessingCap int
	// YieldEvery is the page-count interval at which the processing loop
	// yields to the host scheduler.
	YieldEvery int
}

type PipelineConfig struct {
	// Tiers must be ordered by ascending MaxTotalPages with caps
	// non-increasing, terminated by an unbounded tier.
	Tiers []Tier
	// Minimum values the adaptive caps can be shrunk to.
	FetchCapMin      int
	ProcessingCapMin int
	// Minimum time between latency-driven cap adjustments.
	LatencyCooldown time.Duration
	// Interval at which the memory headroom probe is sampled.
	MemoryInterval time.Duration
	// Headroom ratios (used/limit) above/below which caps shrink/grow.
	MemoryPressureRatio float64
	MemoryRecoverRatio  float64
	// Latency p90 thresholds for cap adjustment.
	Spike   time.Duration
	Recover time.Duration
	// Total page counts above this always yield after each processed page.
	AlwaysYieldPages int
}

type GreenZoneConfig struct {
	SampleWindow int
	// Number of consecutive qualifying samples required to enter.
	Streak     int
	P90Spike   time.Duration
	P90Recover time.Duration
	// Time that must pass after an exit before a new streak can begin.
	Cooldown time.Duration
	BaseMax  int
	GreenMax int
	// Fraction of memory headroom that must remain free while green.
	MemoryEnterRatio float64
}

type CadenceConfig struct {
	DefaultChunk int
	MaxChunk     int
	ChunkStep    int
	// Batch durations below Headroom count toward growth, above Slow trigger
	// immediate shrink when a backlog exists.
	Headroom time.Duration
	Slow     time.Duration
	// Minimum time between chunk size increases.
	AdjustMinInterval time.Duration
	DefaultInterval   time.Duration
	HeavyInterval     time.Duration
	// Backlog depth beyond which partial emission switches to HeavyInterval.
	BacklogThreshold int
}

type RemoteConfig struct {
	BatchSize        int
	BatchInterval    time.Duration
	HandshakeTimeout time.Duration
}
