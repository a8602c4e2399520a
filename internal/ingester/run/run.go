// Package run models one ingestion session: a set of report/facility pairs
// ingested under a single scheduler, latency tracker, and cancellation
// scope. No state survives the run.
package run

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/reportpump/reportpump/internal/common/logging"
	"github.com/reportpump/reportpump/internal/common/pumperrors"
	"github.com/reportpump/reportpump/internal/ingester/configuration"
	"github.com/reportpump/reportpump/internal/ingester/greenzone"
	"github.com/reportpump/reportpump/internal/ingester/latency"
	"github.com/reportpump/reportpump/internal/ingester/memory"
	"github.com/reportpump/reportpump/internal/ingester/metrics"
	"github.com/reportpump/reportpump/internal/ingester/pipeline"
	"github.com/reportpump/reportpump/internal/ingester/retrier"
	"github.com/reportpump/reportpump/internal/ingester/scheduler"
	"github.com/reportpump/reportpump/pkg/api"
)

// Pair is one report/facility unit of work.
type Pair struct {
	Report     api.ReportType
	FacilityId string
}

// Run ingests a set of pairs. Create one per session with New; Execute may
// be called once.
type Run struct {
	id        string
	cfg       configuration.IngesterConfig
	fetcher   api.PageFetcher
	consumer  api.RowConsumer
	callbacks api.Callbacks
	metrics   *metrics.Metrics
	probe     memory.Probe
}

func New(cfg configuration.IngesterConfig, fetcher api.PageFetcher, consumer api.RowConsumer, callbacks api.Callbacks) *Run {
	return &Run{
		id:        uuid.NewString(),
		cfg:       cfg,
		fetcher:   fetcher,
		consumer:  consumer,
		callbacks: callbacks,
	}
}

func (r *Run) WithMetrics(m *metrics.Metrics) *Run {
	r.metrics = m
	return r
}

// WithProbe enables memory-driven pipeline adaptation for every pair.
func (r *Run) WithProbe(probe memory.Probe) *Run {
	r.probe = probe
	return r
}

func (r *Run) Id() string {
	return r.id
}

// Execute ingests every pair for the given date range and blocks until all
// pipelines have settled. Client failures fail only their own pair and are
// aggregated into the returned error; an auth failure cancels the scheduler
// and every other pipeline immediately. A nil return means every pair
// completed.
func (r *Run) Execute(ctx context.Context, pairs []Pair, dateRange api.DateRange) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	disp := newDispatcher(r.callbacks, 1024)
	defer disp.Close()

	tracker := latency.NewTracker(r.cfg.Scheduler.SampleWindow)
	sched := scheduler.NewScheduler[*api.RawPage](r.cfg.Scheduler, tracker, r.metrics, disp.LaneAdaptation)
	retr := retrier.New(r.cfg.Retry, sched, r.metrics)

	// The green zone overlay watches scheduler latencies and grants or
	// retracts an elevated global ceiling.
	if r.cfg.GreenZone.SampleWindow > 0 {
		zone := greenzone.NewController(r.cfg.GreenZone, r.probe)
		sched.WithLatencyObserver(func(lane api.ReportType, d time.Duration) {
			zone.RecordSample(lane, d)
			sched.SetGlobalCeiling(zone.ConcurrencyCeiling())
		})
	}

	log.WithFields(log.Fields{"runId": r.id, "pairs": len(pairs)}).Info("starting ingestion run")

	var mu sync.Mutex
	var result *multierror.Error

	g := &errgroup.Group{}
	g.SetLimit(r.cfg.PairParallelism)
	for _, pair := range pairs {
		pair := pair
		g.Go(func() error {
			r.runPair(runCtx, cancel, pair, dateRange, sched, retr, tracker, disp, &mu, &result)
			return nil
		})
	}
	_ = g.Wait()

	err := result.ErrorOrNil()
	if err != nil {
		log.WithField("runId", r.id).WithError(err).Warn("ingestion run finished with failures")
	} else {
		log.WithField("runId", r.id).Info("ingestion run complete")
	}
	return err
}

func (r *Run) runPair(
	ctx context.Context,
	cancelRun context.CancelFunc,
	pair Pair,
	dateRange api.DateRange,
	sched *scheduler.Scheduler[*api.RawPage],
	retr *retrier.Executor,
	tracker *latency.Tracker,
	disp *dispatcher,
	mu *sync.Mutex,
	result **multierror.Error,
) {
	disp.FacilityStatus(api.FacilityStatusEvent{
		Report:     pair.Report,
		FacilityId: pair.FacilityId,
		Status:     api.FacilityRunning,
	})

	ctrl := pipeline.NewController(
		r.cfg.Pipeline, pair.Report, pair.FacilityId, dateRange,
		sched, retr, r.fetcher, tracker, r.consumer,
	).WithObserver(disp)
	if r.probe != nil {
		ctrl.WithProbe(r.probe)
	}
	if r.metrics != nil {
		ctrl.WithMetrics(r.metrics)
	}

	err := ctrl.Run(ctx)
	if err == nil {
		disp.FacilityStatus(api.FacilityStatusEvent{
			Report:     pair.Report,
			FacilityId: pair.FacilityId,
			Status:     api.FacilityDone,
		})
		return
	}

	category := pumperrors.Classify(err)
	logging.WithStacktrace(log.WithFields(log.Fields{
		"runId":    r.id,
		"report":   pair.Report,
		"facility": pair.FacilityId,
		"category": category.String(),
	}), err).Warn("pipeline failed")
	disp.FacilityStatus(api.FacilityStatusEvent{
		Report:     pair.Report,
		FacilityId: pair.FacilityId,
		Status:     api.FacilityError,
		Reason:     err.Error(),
	})
	if r.metrics != nil {
		r.metrics.RecordFailure(category.String())
	}

	mu.Lock()
	*result = multierror.Append(*result,
		errors.WithMessagef(err, "report %s facility %s", pair.Report, pair.FacilityId))
	mu.Unlock()

	if category == pumperrors.CategoryAuth {
		log.WithFields(log.Fields{
			"runId":    r.id,
			"report":   pair.Report,
			"facility": pair.FacilityId,
		}).Error("authentication failure, cancelling run")
		sched.Cancel("authentication failure")
		cancelRun()
	}
}
