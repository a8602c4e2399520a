package run

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportpump/reportpump/internal/common/pumperrors"
	"github.com/reportpump/reportpump/internal/common/util"
	"github.com/reportpump/reportpump/internal/ingester/configuration"
	"github.com/reportpump/reportpump/pkg/api"
)

// pairFetcher serves a fixed number of pages per pair and can fail specific
// facilities with a given status code.
type pairFetcher struct {
	pages int
	delay time.Duration

	mu       sync.Mutex
	failWith map[string]int // facilityId -> status code, failing every page
}

func (f *pairFetcher) FetchPage(ctx context.Context, req api.PageRequest) (*api.RawPage, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	code, fail := f.failWith[req.FacilityId]
	f.mu.Unlock()
	if fail {
		return nil, &pumperrors.ErrStatus{Code: code, Message: "injected failure"}
	}
	return &api.RawPage{
		CurrentPage: req.Page,
		LastPage:    f.pages,
		HasNextPage: req.Page < f.pages,
		Rows:        []api.Row{{"facility": req.FacilityId, "page": req.Page}},
	}, nil
}

type countingConsumer struct {
	mu    sync.Mutex
	pages map[string]int
}

func (c *countingConsumer) Consume(ctx context.Context, report api.ReportType, facilityId string, pageNumber, lastPage int, rows []api.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pages == nil {
		c.pages = map[string]int{}
	}
	c.pages[facilityId]++
	return nil
}

func (c *countingConsumer) count(facilityId string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pages[facilityId]
}

type statusRecorder struct {
	mu     sync.Mutex
	events []api.FacilityStatusEvent
}

func (r *statusRecorder) record(ev api.FacilityStatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *statusRecorder) statusesFor(facilityId string) []api.FacilityStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []api.FacilityStatus
	for _, ev := range r.events {
		if ev.FacilityId == facilityId {
			out = append(out, ev.Status)
		}
	}
	return out
}

func testConfig() configuration.IngesterConfig {
	cfg := configuration.DefaultConfig()
	cfg.Retry.Limit = 1
	cfg.Retry.BackoffBase = time.Millisecond
	cfg.Retry.BackoffJitter = time.Millisecond
	cfg.Pipeline.MemoryInterval = time.Hour
	return cfg
}

func TestRunCompletesAllPairs(t *testing.T) {
	fetcher := &pairFetcher{pages: 4}
	consumer := &countingConsumer{}
	statuses := &statusRecorder{}

	r := New(testConfig(), fetcher, consumer, api.Callbacks{OnFacilityStatus: statuses.record})
	require.NotEmpty(t, r.Id())

	pairs := []Pair{
		{Report: "inventory", FacilityId: "fac-1"},
		{Report: "inventory", FacilityId: "fac-2"},
		{Report: "orders", FacilityId: "fac-1"},
	}
	err := r.Execute(context.Background(), pairs, api.DateRange{})
	require.NoError(t, err)

	assert.Equal(t, 8, consumer.count("fac-1"))
	assert.Equal(t, 4, consumer.count("fac-2"))
	assert.Equal(t,
		[]api.FacilityStatus{api.FacilityRunning, api.FacilityDone},
		statuses.statusesFor("fac-2"))
}

func TestClientFailureOnlyFailsItsOwnPair(t *testing.T) {
	fetcher := &pairFetcher{
		pages:    4,
		failWith: map[string]int{"fac-bad": 404},
	}
	consumer := &countingConsumer{}
	statuses := &statusRecorder{}

	r := New(testConfig(), fetcher, consumer, api.Callbacks{OnFacilityStatus: statuses.record})
	err := r.Execute(context.Background(), []Pair{
		{Report: "inventory", FacilityId: "fac-bad"},
		{Report: "inventory", FacilityId: "fac-good"},
	}, api.DateRange{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fac-bad")
	assert.NotContains(t, err.Error(), "fac-good")

	assert.Equal(t, 4, consumer.count("fac-good"))
	assert.Equal(t,
		[]api.FacilityStatus{api.FacilityRunning, api.FacilityDone},
		statuses.statusesFor("fac-good"))
	assert.Equal(t,
		[]api.FacilityStatus{api.FacilityRunning, api.FacilityError},
		statuses.statusesFor("fac-bad"))
}

func TestAuthFailureCancelsWholeRun(t *testing.T) {
	fetcher := &pairFetcher{
		pages:    1000,
		delay:    5 * time.Millisecond,
		failWith: map[string]int{"fac-auth": 401},
	}
	consumer := &countingConsumer{}

	cfg := testConfig()
	cfg.PairParallelism = 2
	r := New(cfg, fetcher, consumer, api.Callbacks{})

	var execErr error
	require.NoError(t, util.WaitOrTimeout(func() {
		execErr = r.Execute(context.Background(), []Pair{
			{Report: "inventory", FacilityId: "fac-auth"},
			{Report: "inventory", FacilityId: "fac-slow"},
		}, api.DateRange{})
	}, 10*time.Second))

	require.Error(t, execErr)
	assert.Contains(t, execErr.Error(), "fac-auth")
	// The slow pair must have been cut short, not run its 1000 pages.
	assert.Less(t, consumer.count("fac-slow"), 1000)
}

func TestGreenZoneCeilingReachesScheduler(t *testing.T) {
	fetcher := &pairFetcher{pages: 6}
	consumer := &countingConsumer{}

	// A base ceiling below the scheduler's starting concurrency forces an
	// immediate clamp on the first recorded sample, which surfaces as a
	// downward adaptation of the global limit.
	cfg := testConfig()
	cfg.GreenZone.Streak = 1000
	cfg.GreenZone.BaseMax = 1

	var mu sync.Mutex
	var adaptations []api.LaneAdaptation
	r := New(cfg, fetcher, consumer, api.Callbacks{
		OnLaneAdaptation: func(ev api.LaneAdaptation) {
			mu.Lock()
			adaptations = append(adaptations, ev)
			mu.Unlock()
		},
	})
	err := r.Execute(context.Background(), []Pair{
		{Report: "inventory", FacilityId: "fac-1"},
		{Report: "inventory", FacilityId: "fac-2"},
	}, api.DateRange{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	clamped := false
	for _, ev := range adaptations {
		if ev.Direction == api.AdaptationDown && ev.Limit == 1 {
			clamped = true
		}
	}
	assert.True(t, clamped, "expected the ceiling clamp to lower the global limit")
}

func TestDispatcherDropsInsteadOfBlocking(t *testing.T) {
	release := make(chan struct{})
	delivered := make(chan api.Progress, 16)
	d := newDispatcher(api.Callbacks{
		OnProgress: func(p api.Progress) {
			<-release
			delivered <- p
		},
	}, 1)

	// First event occupies the delivery goroutine, second fills the buffer,
	// the rest must be dropped without blocking this goroutine.
	for i := 0; i < 10; i++ {
		d.OnProgress(api.Progress{Page: i})
	}
	assert.GreaterOrEqual(t, d.Dropped(), uint64(8))

	close(release)
	d.Close()
	assert.LessOrEqual(t, len(delivered), 2)
}
