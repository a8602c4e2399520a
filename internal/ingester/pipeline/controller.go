// Package pipeline drives the two-stage bounded fetch/process pipeline for a
// single report/facility pair. Page fetches go through the request scheduler
// and retry executor; fetched pages are buffered and drained into a bounded
// processing pool that invokes the caller's row consumer. Both bounds start
// from a tier selected by the total declared page count and adapt to live
// latency and memory pressure.
package pipeline

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/reportpump/reportpump/internal/common/pumperrors"
	"github.com/reportpump/reportpump/internal/common/util"
	"github.com/reportpump/reportpump/internal/ingester/configuration"
	"github.com/reportpump/reportpump/internal/ingester/latency"
	"github.com/reportpump/reportpump/internal/ingester/memory"
	"github.com/reportpump/reportpump/internal/ingester/metrics"
	"github.com/reportpump/reportpump/internal/ingester/retrier"
	"github.com/reportpump/reportpump/internal/ingester/scheduler"
	"github.com/reportpump/reportpump/pkg/api"
)

// Observer receives observation-only pipeline events.
// Implementations must not block.
type Observer interface {
	OnProgress(api.Progress)
	OnPipelineSnapshot(api.PipelineSnapshot)
}

type eventKind int

const (
	fetchDone eventKind = iota
	processDone
)

type event struct {
	kind       eventKind
	pageNumber int
	raw        *api.RawPage // fetchDone only
	page       *Page        // processDone only
	rowCount   int
	elapsed    time.Duration
	err        error
}

// Controller runs the pipeline for one report/facility pair. All mutable
// state is owned by the goroutine executing Run; fetch and process tasks
// communicate with it exclusively through the internal event channel.
type Controller struct {
	cfg      configuration.PipelineConfig
	report   api.ReportType
	facility string
	rng      api.DateRange
	sched    *scheduler.Scheduler[*api.RawPage]
	retr     *retrier.Executor
	fetcher  api.PageFetcher
	tracker  *latency.Tracker
	consumer api.RowConsumer

	// Optional collaborators, set via With methods before Run.
	probe    memory.Probe
	observer Observer
	metrics  *metrics.Metrics
	clock    util.Clock
	yield    func()

	// Cap overrides; 0 means use the tier default.
	fetchCapOverride      int
	processingCapOverride int

	// Run-owned state below; never touched outside the Run goroutine.
	tier              configuration.Tier
	fetchCap          int
	processingCap     int
	fetchBuffer       []*Page
	inflightFetches   int
	activeProcessing  int
	nextPageToFetch   int
	declaredLastPage  int
	stopAtPage        int // 0 while the server keeps signalling further pages
	completedPages    int
	rowsProcessed     int
	lastLatencyAdjust time.Time
	failure           error

	events chan event
}

func NewController(
	cfg configuration.PipelineConfig,
	report api.ReportType,
	facilityId string,
	dateRange api.DateRange,
	sched *scheduler.Scheduler[*api.RawPage],
	retr *retrier.Executor,
	fetcher api.PageFetcher,
	tracker *latency.Tracker,
	consumer api.RowConsumer,
) *Controller {
	return &Controller{
		cfg:      cfg,
		report:   report,
		facility: facilityId,
		rng:      dateRange,
		sched:    sched,
		retr:     retr,
		fetcher:  fetcher,
		tracker:  tracker,
		consumer: consumer,
		clock:    &util.DefaultClock{},
		yield:    runtime.Gosched,
	}
}

// WithProbe enables memory-driven cap adaptation.
func (c *Controller) WithProbe(probe memory.Probe) *Controller {
	c.probe = probe
	return c
}

func (c *Controller) WithObserver(observer Observer) *Controller {
	c.observer = observer
	return c
}

func (c *Controller) WithMetrics(m *metrics.Metrics) *Controller {
	c.metrics = m
	return c
}

// WithCapOverrides pins the initial caps instead of seeding them from the
// backpressure tier. A zero leaves the corresponding tier default in place.
func (c *Controller) WithCapOverrides(fetchCap, processingCap int) *Controller {
	c.fetchCapOverride = fetchCap
	c.processingCapOverride = processingCap
	return c
}

func (c *Controller) WithClock(clock util.Clock) *Controller {
	c.clock = clock
	return c
}

// Run drives the pipeline to completion. It returns nil once every declared
// page has been fetched and consumed, the first terminal failure otherwise,
// and ErrCancelled if ctx is cancelled. In-flight work is always allowed to
// settle before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	logger := log.WithField("service", "PipelineController").
		WithField("report", c.report).
		WithField("facility", c.facility)

	// Page 1 is fetched synchronously to learn the declared page count that
	// seeds the backpressure tier.
	raw, err := c.fetchViaScheduler(ctx, 1)
	if err != nil {
		return err
	}
	c.seed(raw)
	logger.WithField("declaredLastPage", c.declaredLastPage).
		WithField("fetchCap", c.fetchCap).
		WithField("processingCap", c.processingCap).
		Info("pipeline started")

	c.events = make(chan event, 16)
	memC := make(<-chan time.Time)
	if c.probe != nil && c.cfg.MemoryInterval > 0 {
		ticker := time.NewTicker(c.cfg.MemoryInterval)
		defer ticker.Stop()
		memC = ticker.C
	}

	for {
		c.pumpFetch(ctx)
		c.pumpProcess(ctx)
		c.emitSnapshot()
		if c.settled() {
			break
		}
		select {
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
			c.maybeAdaptLatency()
		case <-memC:
			c.adaptMemory(logger)
		case <-ctx.Done():
			c.awaitSettled()
			c.releaseBuffer()
			logger.Info("pipeline cancelled")
			return errors.WithStack(&pumperrors.ErrCancelled{Reason: ctx.Err().Error()})
		}
	}

	if c.failure != nil {
		c.releaseBuffer()
		return c.failure
	}
	logger.WithField("pages", c.completedPages).WithField("rows", c.rowsProcessed).Info("pipeline done")
	return nil
}

// seed derives the backpressure tier and initial caps from the first page.
func (c *Controller) seed(raw *api.RawPage) {
	c.declaredLastPage = util.Max(raw.LastPage, 1)
	if !raw.HasNextPage {
		c.stopAtPage = raw.CurrentPage
	}
	c.tier = c.cfg.SelectTier(c.declaredLastPage)
	c.fetchCap = c.tier.FetchCap
	c.processingCap = c.tier.ProcessingCap
	if c.fetchCapOverride > 0 {
		c.fetchCap = c.fetchCapOverride
	}
	if c.processingCapOverride > 0 {
		c.processingCap = c.processingCapOverride
	}
	c.fetchBuffer = append(c.fetchBuffer, normalizePage(raw))
	c.nextPageToFetch = 2
	c.lastLatencyAdjust = c.clock.Now()
}

// lastNeededPage is the page at which fetching stops: the early-stop page if
// the server signalled one, the declared total otherwise.
func (c *Controller) lastNeededPage() int {
	if c.stopAtPage > 0 {
		return c.stopAtPage
	}
	return c.declaredLastPage
}

func (c *Controller) settled() bool {
	if c.inflightFetches > 0 || c.activeProcessing > 0 {
		return false
	}
	if c.failure != nil {
		return true
	}
	return c.completedPages >= c.lastNeededPage() && len(c.fetchBuffer) == 0
}

// pumpFetch starts page fetches while buffered plus in-flight pages stay
// under the fetch cap and pages remain below the current last page.
func (c *Controller) pumpFetch(ctx context.Context) {
	for c.failure == nil && ctx.Err() == nil &&
		c.inflightFetches+len(c.fetchBuffer) < c.fetchCap &&
		c.nextPageToFetch <= c.lastNeededPage() {
		pageNumber := c.nextPageToFetch
		c.nextPageToFetch++
		c.inflightFetches++
		go c.fetch(ctx, pageNumber)
	}
}

// pumpProcess drains buffered pages into the processing pool.
func (c *Controller) pumpProcess(ctx context.Context) {
	for c.failure == nil && ctx.Err() == nil &&
		c.activeProcessing < c.processingCap && len(c.fetchBuffer) > 0 {
		page := c.fetchBuffer[0]
		c.fetchBuffer = c.fetchBuffer[1:]
		c.activeProcessing++
		go c.process(ctx, page, c.lastNeededPage())
	}
}

func (c *Controller) fetch(ctx context.Context, pageNumber int) {
	start := time.Now()
	raw, err := c.fetchViaScheduler(ctx, pageNumber)
	c.events <- event{
		kind:       fetchDone,
		pageNumber: pageNumber,
		raw:        raw,
		elapsed:    time.Since(start),
		err:        err,
	}
}

func (c *Controller) process(ctx context.Context, page *Page, lastPage int) {
	start := time.Now()
	err := c.consumer.Consume(ctx, c.report, c.facility, page.PageNumber, lastPage, page.Rows)
	c.events <- event{
		kind:       processDone,
		pageNumber: page.PageNumber,
		page:       page,
		rowCount:   len(page.Rows),
		elapsed:    time.Since(start),
		err:        err,
	}
}

func (c *Controller) fetchViaScheduler(ctx context.Context, pageNumber int) (*api.RawPage, error) {
	req := api.PageRequest{
		Report:     c.report,
		FacilityId: c.facility,
		Range:      c.rng,
		Page:       pageNumber,
	}
	var raw *api.RawPage
	err := c.retr.Run(ctx, c.report, func(ctx context.Context) error {
		result := c.sched.Enqueue(ctx, c.report, func(jobCtx context.Context) (*api.RawPage, error) {
			return c.fetcher.FetchPage(jobCtx, req)
		})
		v, err := scheduler.Await(ctx, result)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "fetching page %d of %s/%s", pageNumber, c.report, c.facility)
	}
	return raw, nil
}

func (c *Controller) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case fetchDone:
		c.inflightFetches--
		if ev.err != nil {
			if c.failure == nil {
				c.failure = ev.err
			}
			return
		}
		if c.metrics != nil {
			c.metrics.ObserveFetchLatency(string(c.report), ev.elapsed)
		}
		if ev.raw.LastPage > 0 {
			c.declaredLastPage = ev.raw.LastPage
		}
		if !ev.raw.HasNextPage && (c.stopAtPage == 0 || ev.raw.CurrentPage < c.stopAtPage) {
			c.stopAtPage = ev.raw.CurrentPage
		}
		page := normalizePage(ev.raw)
		if page.PageNumber > c.lastNeededPage() {
			// Fetched past an early-stop signal that arrived concurrently.
			page.release()
			return
		}
		c.fetchBuffer = append(c.fetchBuffer, page)
	case processDone:
		c.activeProcessing--
		c.completedPages++
		// The page's payload is released regardless of consumer success.
		ev.page.release()
		if ev.err != nil {
			if c.failure == nil {
				c.failure = errors.WithMessagef(ev.err, "consuming page %d of %s/%s", ev.pageNumber, c.report, c.facility)
			}
			return
		}
		c.rowsProcessed += ev.rowCount
		if c.metrics != nil {
			c.metrics.ObserveProcessLatency(string(c.report), ev.elapsed)
		}
		if c.observer != nil {
			c.observer.OnProgress(api.Progress{
				Report:        c.report,
				FacilityId:    c.facility,
				Page:          ev.pageNumber,
				LastPage:      c.lastNeededPage(),
				RowsProcessed: c.rowsProcessed,
			})
		}
		c.maybeYield(ctx)
	}
}

// maybeYield hands control back to the host scheduler after a processed page
// when the result set is large or the tier's yield interval is hit.
func (c *Controller) maybeYield(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if c.declaredLastPage > c.cfg.AlwaysYieldPages || c.completedPages%c.tier.YieldEvery == 0 {
		c.yield()
	}
}

// maybeAdaptLatency recomputes both caps from the lane's live p90, at most
// once per LatencyCooldown rather than per page.
func (c *Controller) maybeAdaptLatency() {
	now := c.clock.Now()
	if now.Sub(c.lastLatencyAdjust) < c.cfg.LatencyCooldown {
		return
	}
	c.lastLatencyAdjust = now
	p90 := c.tracker.P90(c.report)
	if p90 == 0 {
		return
	}
	if p90 > c.cfg.Spike {
		c.shrinkStep()
	} else if p90 < c.cfg.Recover {
		c.growStep()
	}
}

// adaptMemory samples the headroom probe on its own cadence, independent of
// the latency path; the two share the step primitives but never fire from
// the same loop iteration.
func (c *Controller) adaptMemory(logger *log.Entry) {
	ratio, err := c.probe.HeadroomRatio()
	if err != nil {
		logger.WithError(err).Warn("failed to sample memory headroom")
		return
	}
	if ratio > c.cfg.MemoryPressureRatio {
		c.shrinkStep()
	} else if ratio < c.cfg.MemoryRecoverRatio {
		c.growStep()
	}
}

// shrinkStep retracts one cap step, fetch side first.
func (c *Controller) shrinkStep() {
	if c.fetchCap > c.cfg.FetchCapMin {
		c.fetchCap--
	} else if c.processingCap > c.cfg.ProcessingCapMin {
		c.processingCap--
	}
}

// growStep restores one cap step toward the seeded baseline.
func (c *Controller) growStep() {
	baselineFetch := c.tier.FetchCap
	baselineProcessing := c.tier.ProcessingCap
	if c.fetchCapOverride > 0 {
		baselineFetch = c.fetchCapOverride
	}
	if c.processingCapOverride > 0 {
		baselineProcessing = c.processingCapOverride
	}
	if c.fetchCap < baselineFetch {
		c.fetchCap++
	} else if c.processingCap < baselineProcessing {
		c.processingCap++
	}
}

func (c *Controller) emitSnapshot() {
	if c.metrics != nil {
		c.metrics.SetPipelineGauges(string(c.report), c.facility, len(c.fetchBuffer), c.inflightFetches, c.activeProcessing)
	}
	if c.observer != nil {
		c.observer.OnPipelineSnapshot(api.PipelineSnapshot{
			Report:           c.report,
			FacilityId:       c.facility,
			FetchBufferLen:   len(c.fetchBuffer),
			InFlight:         c.inflightFetches,
			ProcessingActive: c.activeProcessing,
			FetchCap:         c.fetchCap,
			ProcessingCap:    c.processingCap,
		})
	}
}

// awaitSettled drains outstanding fetch and process completions after
// cancellation or failure, bounded by the work already dispatched.
func (c *Controller) awaitSettled() {
	for c.inflightFetches > 0 || c.activeProcessing > 0 {
		ev := <-c.events
		switch ev.kind {
		case fetchDone:
			c.inflightFetches--
		case processDone:
			c.activeProcessing--
			ev.page.release()
		}
	}
}

func (c *Controller) releaseBuffer() {
	for _, page := range c.fetchBuffer {
		page.release()
	}
	c.fetchBuffer = nil
}
