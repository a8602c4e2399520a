package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportpump/reportpump/internal/common/pumperrors"
	"github.com/reportpump/reportpump/internal/ingester/configuration"
	"github.com/reportpump/reportpump/internal/ingester/latency"
	"github.com/reportpump/reportpump/internal/ingester/memory"
	"github.com/reportpump/reportpump/internal/ingester/retrier"
	"github.com/reportpump/reportpump/internal/ingester/scheduler"
	"github.com/reportpump/reportpump/pkg/api"
)

const (
	testReport   = api.ReportType("utilization")
	testFacility = "facility-1"
)

// fakeFetcher serves a fixed number of synthetic pages with optional
// latency and per-page failure injection.
type fakeFetcher struct {
	pages      int
	delay      time.Duration
	stopAtPage int                 // if set, this page reports hasNextPage=false
	failures   map[int]error       // page number -> error returned on every call
	oneShot    map[int]error       // page number -> error returned once
	mu         sync.Mutex
	calls      int
	perPage    map[int]int
}

func newFakeFetcher(pages int) *fakeFetcher {
	return &fakeFetcher{
		pages:    pages,
		failures: map[int]error{},
		oneShot:  map[int]error{},
		perPage:  map[int]int{},
	}
}

func (f *fakeFetcher) FetchPage(ctx context.Context, req api.PageRequest) (*api.RawPage, error) {
	f.mu.Lock()
	f.calls++
	f.perPage[req.Page]++
	err := f.failures[req.Page]
	if err == nil {
		if once, ok := f.oneShot[req.Page]; ok {
			err = once
			delete(f.oneShot, req.Page)
		}
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &api.RawPage{
		CurrentPage: req.Page,
		LastPage:    f.pages,
		HasNextPage: req.Page < f.pages && req.Page != f.stopAtPage,
		Rows:        []api.Row{{"facility": req.FacilityId, "page": float64(req.Page)}},
	}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeConsumer records consumed page numbers with optional delay and
// per-page failure injection.
type fakeConsumer struct {
	delay    time.Duration
	failures map[int]error
	mu       sync.Mutex
	pages    []int
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{failures: map[int]error{}}
}

func (c *fakeConsumer) Consume(ctx context.Context, report api.ReportType, facilityId string, pageNumber int, lastPage int, rows []api.Row) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failures[pageNumber]; err != nil {
		return err
	}
	c.pages = append(c.pages, pageNumber)
	return nil
}

func (c *fakeConsumer) consumed() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.pages...)
}

// recordingObserver captures snapshots and progress events.
type recordingObserver struct {
	mu        sync.Mutex
	snapshots []api.PipelineSnapshot
	progress  []api.Progress
}

func (o *recordingObserver) OnProgress(p api.Progress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, p)
}

func (o *recordingObserver) OnPipelineSnapshot(s api.PipelineSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshots = append(o.snapshots, s)
}

func (o *recordingObserver) allSnapshots() []api.PipelineSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]api.PipelineSnapshot(nil), o.snapshots...)
}

func (o *recordingObserver) progressCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.progress)
}

func testPipelineConfig() configuration.PipelineConfig {
	cfg := configuration.DefaultConfig().Pipeline
	cfg.LatencyCooldown = time.Hour // latency adaptation off unless a test enables it
	cfg.MemoryInterval = 0
	return cfg
}

func newTestController(cfg configuration.PipelineConfig, fetcher api.PageFetcher, consumer api.RowConsumer) *Controller {
	schedCfg := configuration.DefaultConfig().Scheduler
	schedCfg.GlobalStart = 8
	schedCfg.LaneStart = 8
	schedCfg.LaneMax = 8
	schedCfg.Spike = time.Hour
	schedCfg.Recover = 0
	tracker := latency.NewTracker(schedCfg.SampleWindow)
	sched := scheduler.NewScheduler[*api.RawPage](schedCfg, tracker, nil, nil)
	retryCfg := configuration.RetryConfig{Limit: 1, BackoffBase: time.Millisecond}
	return NewController(
		cfg, testReport, testFacility, api.DateRange{},
		sched, retrier.New(retryCfg, sched, nil), fetcher, tracker, consumer,
	)
}

func TestBufferAndPoolInvariantsHold(t *testing.T) {
	// 12 declared pages with fetchBufferMax=3 and processingPoolMax=1:
	// buffered+in-flight must never exceed 3.
	fetcher := newFakeFetcher(12)
	fetcher.delay = time.Millisecond
	consumer := newFakeConsumer()
	consumer.delay = time.Millisecond
	observer := &recordingObserver{}

	c := newTestController(testPipelineConfig(), fetcher, consumer).
		WithCapOverrides(3, 1).
		WithObserver(observer)

	require.NoError(t, c.Run(context.Background()))

	snapshots := observer.allSnapshots()
	require.NotEmpty(t, snapshots)
	for _, s := range snapshots {
		assert.LessOrEqual(t, s.FetchBufferLen+s.InFlight, 3)
		assert.LessOrEqual(t, s.ProcessingActive, 1)
	}
	final := snapshots[len(snapshots)-1]
	assert.Equal(t, 0, final.FetchBufferLen)
	assert.Equal(t, 0, final.ProcessingActive)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, consumer.consumed())
}

func TestSlowConsumerStillFetchesEveryPage(t *testing.T) {
	fetcher := newFakeFetcher(8)
	consumer := newFakeConsumer()
	consumer.delay = 10 * time.Millisecond

	c := newTestController(testPipelineConfig(), fetcher, consumer).WithCapOverrides(3, 1)
	require.NoError(t, c.Run(context.Background()))

	assert.GreaterOrEqual(t, fetcher.callCount(), 8)
	assert.Len(t, consumer.consumed(), 8)
}

func TestSlowFetchBoundsProcessingPool(t *testing.T) {
	fetcher := newFakeFetcher(10)
	fetcher.delay = 5 * time.Millisecond
	consumer := newFakeConsumer()
	observer := &recordingObserver{}

	c := newTestController(testPipelineConfig(), fetcher, consumer).
		WithCapOverrides(4, 2).
		WithObserver(observer)
	require.NoError(t, c.Run(context.Background()))

	for _, s := range observer.allSnapshots() {
		assert.LessOrEqual(t, s.ProcessingActive, 2)
	}
	final := observer.allSnapshots()[len(observer.allSnapshots())-1]
	assert.Equal(t, 0, final.ProcessingActive)
	assert.Equal(t, 0, final.FetchBufferLen)
}

func TestCancellationStopsPipelinePromptly(t *testing.T) {
	fetcher := newFakeFetcher(100)
	fetcher.delay = 2 * time.Millisecond
	consumer := newFakeConsumer()
	consumer.delay = 2 * time.Millisecond
	observer := &recordingObserver{}

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestController(testPipelineConfig(), fetcher, consumer).
		WithCapOverrides(3, 2).
		WithObserver(observer)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return observer.progressCount() >= 2 }, 5*time.Second, time.Millisecond)
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}
	assert.Equal(t, pumperrors.CategoryCancelled, pumperrors.Classify(err))

	// No further progress is emitted once Run has returned.
	count := observer.progressCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, observer.progressCount())
	assert.Less(t, fetcher.callCount(), 100)
}

func TestLargeRunsYieldEveryPage(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.AlwaysYieldPages = 5 // 9 declared pages exceeds the threshold

	fetcher := newFakeFetcher(9)
	consumer := newFakeConsumer()
	c := newTestController(cfg, fetcher, consumer).WithCapOverrides(3, 1)

	var mu sync.Mutex
	yields := 0
	c.yield = func() {
		mu.Lock()
		yields++
		mu.Unlock()
	}
	require.NoError(t, c.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, yields, 9)
}

func TestEarlyStopSignalEndsRun(t *testing.T) {
	fetcher := newFakeFetcher(10)
	fetcher.stopAtPage = 4
	consumer := newFakeConsumer()

	c := newTestController(testPipelineConfig(), fetcher, consumer).WithCapOverrides(2, 1)
	require.NoError(t, c.Run(context.Background()))

	consumed := consumer.consumed()
	assert.Contains(t, consumed, 1)
	assert.Contains(t, consumed, 2)
	assert.Contains(t, consumed, 3)
	assert.Contains(t, consumed, 4)
	// Fetching stops shortly after the early-stop signal.
	assert.Less(t, fetcher.callCount(), 10)
}

func TestConsumerFailureIsTerminalForPipeline(t *testing.T) {
	fetcher := newFakeFetcher(6)
	consumer := newFakeConsumer()
	consumer.failures[2] = &pumperrors.ErrStatus{Code: 400, Message: "bad row shape"}

	c := newTestController(testPipelineConfig(), fetcher, consumer).WithCapOverrides(3, 1)
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, pumperrors.CategoryClient, pumperrors.Classify(err))
}

func TestAuthFailurePropagatesImmediately(t *testing.T) {
	fetcher := newFakeFetcher(6)
	fetcher.failures[1] = &pumperrors.ErrStatus{Code: 401}
	c := newTestController(testPipelineConfig(), fetcher, newFakeConsumer())

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, pumperrors.CategoryAuth, pumperrors.Classify(err))
	assert.Equal(t, 1, fetcher.callCount())
}

func TestTransientFailureIsRetriedThenSucceeds(t *testing.T) {
	fetcher := newFakeFetcher(4)
	fetcher.oneShot[3] = &pumperrors.ErrStatus{Code: 503}
	consumer := newFakeConsumer()

	c := newTestController(testPipelineConfig(), fetcher, consumer).WithCapOverrides(2, 1)
	require.NoError(t, c.Run(context.Background()))
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, consumer.consumed())
}

func TestRetryExhaustionFailsPipeline(t *testing.T) {
	fetcher := newFakeFetcher(4)
	fetcher.failures[2] = &pumperrors.ErrStatus{Code: 503}
	c := newTestController(testPipelineConfig(), fetcher, newFakeConsumer()).WithCapOverrides(2, 1)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, pumperrors.CategoryClient, pumperrors.Classify(err))
}

func TestMemoryPressureShrinksCaps(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.MemoryInterval = 2 * time.Millisecond

	probe := memory.NewManualProbe()
	probe.SetRatio(0.95)

	fetcher := newFakeFetcher(20)
	fetcher.delay = 2 * time.Millisecond
	consumer := newFakeConsumer()
	consumer.delay = 2 * time.Millisecond
	observer := &recordingObserver{}

	c := newTestController(cfg, fetcher, consumer).
		WithCapOverrides(4, 2).
		WithObserver(observer).
		WithProbe(probe)
	require.NoError(t, c.Run(context.Background()))

	minFetchCap := 4
	for _, s := range observer.allSnapshots() {
		if s.FetchCap < minFetchCap {
			minFetchCap = s.FetchCap
		}
	}
	assert.Less(t, minFetchCap, 4)
}

func TestLatencySpikeShrinksCaps(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.LatencyCooldown = 0
	cfg.Spike = time.Nanosecond // every observed latency counts as a spike

	fetcher := newFakeFetcher(12)
	fetcher.delay = time.Millisecond
	observer := &recordingObserver{}

	c := newTestController(cfg, fetcher, newFakeConsumer()).
		WithCapOverrides(4, 2).
		WithObserver(observer)
	require.NoError(t, c.Run(context.Background()))

	minFetchCap := 4
	for _, s := range observer.allSnapshots() {
		if s.FetchCap < minFetchCap {
			minFetchCap = s.FetchCap
		}
	}
	assert.Less(t, minFetchCap, 4)
}
