// Package scheduler provides global and per-lane admission control over
// asynchronous jobs, adapting concurrency to observed latency and transient
// failures.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/reportpump/reportpump/internal/common/pumperrors"
	"github.com/reportpump/reportpump/internal/common/util"
	"github.com/reportpump/reportpump/internal/ingester/configuration"
	"github.com/reportpump/reportpump/internal/ingester/latency"
	"github.com/reportpump/reportpump/internal/ingester/metrics"
	"github.com/reportpump/reportpump/pkg/api"
)

// Result carries the outcome of a scheduled job.
type Result[T any] struct {
	Value T
	Err   error
}

type job[T any] struct {
	lane   api.ReportType
	ctx    context.Context
	work   func(ctx context.Context) (T, error)
	result chan Result[T]
}

type laneState struct {
	active int
	cap    int
}

// Scheduler dispatches queued jobs while the global concurrency limit and
// the job's lane cap both have headroom. Dispatch order is
// first-enqueued-first-dispatched, except that a job whose lane is at
// capacity is skipped rather than blocking jobs behind it.
//
// All mutable state is owned by the scheduler and only touched under mu.
type Scheduler[T any] struct {
	cfg     configuration.SchedulerConfig
	tracker *latency.Tracker
	// Optional; may be nil.
	metrics *metrics.Metrics
	// Optional observation hook for concurrency adjustments; may be nil.
	// Never invoked while holding the scheduler's lock.
	onAdaptation func(api.LaneAdaptation)
	// Optional hook receiving each successful job's latency; may be nil.
	// Never invoked while holding the scheduler's lock.
	onLatency func(api.ReportType, time.Duration)

	mu            sync.Mutex
	lanes         map[api.ReportType]*laneState
	queue         []*job[T]
	active        int
	concurrency   int
	successStreak int
	closed        bool
	closeReason   string
	pending       []api.LaneAdaptation
	// External clamp on the global limit; 0 means unset.
	ceiling int
}

func NewScheduler[T any](
	cfg configuration.SchedulerConfig,
	tracker *latency.Tracker,
	m *metrics.Metrics,
	onAdaptation func(api.LaneAdaptation),
) *Scheduler[T] {
	return &Scheduler[T]{
		cfg:          cfg,
		tracker:      tracker,
		metrics:      m,
		onAdaptation: onAdaptation,
		lanes:        make(map[api.ReportType]*laneState),
		concurrency:  cfg.GlobalStart,
	}
}

// WithLatencyObserver registers a hook receiving the latency of every
// successful job, for overlays that watch scheduler behavior.
func (s *Scheduler[T]) WithLatencyObserver(f func(api.ReportType, time.Duration)) *Scheduler[T] {
	s.onLatency = f
	return s
}

// Enqueue queues work on the given lane and returns a channel on which the
// result is delivered exactly once. Enqueue never blocks; if the scheduler
// has been cancelled the result is an immediate ErrSchedulerClosed.
func (s *Scheduler[T]) Enqueue(ctx context.Context, lane api.ReportType, work func(ctx context.Context) (T, error)) <-chan Result[T] {
	result := make(chan Result[T], 1)
	s.mu.Lock()
	if s.closed {
		reason := s.closeReason
		s.mu.Unlock()
		var zero T
		result <- Result[T]{Value: zero, Err: errors.WithStack(&pumperrors.ErrSchedulerClosed{Reason: reason})}
		return result
	}
	s.queue = append(s.queue, &job[T]{
		lane:   lane,
		ctx:    ctx,
		work:   work,
		result: result,
	})
	s.pumpLocked()
	s.mu.Unlock()
	s.flushAdaptations()
	return result
}

// Await blocks until the job's result arrives or ctx is done,
// whichever comes first.
func Await[T any](ctx context.Context, result <-chan Result[T]) (T, error) {
	select {
	case r := <-result:
		return r.Value, r.Err
	case <-ctx.Done():
		var zero T
		return zero, errors.WithStack(&pumperrors.ErrCancelled{Reason: ctx.Err().Error()})
	}
}

// Cancel rejects every unstarted job with a cancellation error and makes all
// subsequent Enqueue calls fail immediately. Jobs already dispatched run to
// completion; stopping them is the responsibility of the caller's context.
func (s *Scheduler[T]) Cancel(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeReason = reason
	rejected := s.queue
	s.queue = nil
	s.mu.Unlock()

	var zero T
	for _, j := range rejected {
		j.result <- Result[T]{Value: zero, Err: errors.WithStack(&pumperrors.ErrCancelled{Reason: reason})}
	}
}

// CurrentConcurrency returns the current global concurrency limit.
func (s *Scheduler[T]) CurrentConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency
}

// ActiveCount returns the number of jobs currently dispatched.
func (s *Scheduler[T]) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LaneCap returns the lane's current concurrency cap.
func (s *Scheduler[T]) LaneCap(lane api.ReportType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.laneLocked(lane).cap
}

// NoteTransientFailure applies failure-driven backoff: the lane cap and the
// global concurrency limit are both halved (floored at their configured
// minimums) and the success streak resets. This is the scheduler's only
// failure-driven backoff; retrying the failed work is the caller's
// responsibility.
func (s *Scheduler[T]) NoteTransientFailure(lane api.ReportType) {
	s.mu.Lock()
	ls := s.laneLocked(lane)
	if halved := util.Max(ls.cap/2, s.cfg.LaneMin); halved < ls.cap {
		ls.cap = halved
		s.emitLocked(lane, api.AdaptationDown, ls.cap, "transient failure")
	}
	if halved := util.Max(s.concurrency/2, s.cfg.GlobalMin); halved < s.concurrency {
		s.concurrency = halved
		s.emitLocked("", api.AdaptationDown, s.concurrency, "transient failure")
	}
	s.successStreak = 0
	s.mu.Unlock()
	s.flushAdaptations()
}

// SetGlobalCeiling replaces the configured GlobalMax with an externally
// granted ceiling, e.g. a green zone grant or its retraction. A ceiling
// below the current limit takes effect immediately; 0 restores GlobalMax.
// Growth toward a raised ceiling still happens one step at a time through
// ramping.
func (s *Scheduler[T]) SetGlobalCeiling(n int) {
	s.mu.Lock()
	s.ceiling = n
	if max := s.globalMaxLocked(); s.concurrency > max {
		s.concurrency = max
		s.emitLocked("", api.AdaptationDown, s.concurrency, "ceiling lowered")
	}
	s.mu.Unlock()
	s.flushAdaptations()
}

func (s *Scheduler[T]) globalMaxLocked() int {
	if s.ceiling > 0 {
		return util.Max(s.ceiling, s.cfg.GlobalMin)
	}
	return s.cfg.GlobalMax
}

func (s *Scheduler[T]) laneLocked(lane api.ReportType) *laneState {
	ls, ok := s.lanes[lane]
	if !ok {
		ls = &laneState{cap: s.cfg.LaneStart}
		s.lanes[lane] = ls
	}
	return ls
}

// pumpLocked dispatches queued jobs while global and lane headroom allow.
// Jobs whose lane is at capacity are skipped, not blocking head-of-line.
func (s *Scheduler[T]) pumpLocked() {
	i := 0
	for i < len(s.queue) && s.active < s.concurrency {
		j := s.queue[i]
		if j.ctx.Err() != nil {
			s.removeLocked(i)
			var zero T
			j.result <- Result[T]{Value: zero, Err: errors.WithStack(&pumperrors.ErrCancelled{Reason: j.ctx.Err().Error()})}
			continue
		}
		ls := s.laneLocked(j.lane)
		if ls.active >= ls.cap {
			i++
			continue
		}
		s.removeLocked(i)
		s.active++
		ls.active++
		go s.dispatch(j)
	}
}

func (s *Scheduler[T]) removeLocked(i int) {
	s.queue = append(s.queue[:i], s.queue[i+1:]...)
}

func (s *Scheduler[T]) dispatch(j *job[T]) {
	start := time.Now()
	v, err := j.work(j.ctx)
	s.complete(j, Result[T]{Value: v, Err: err}, time.Since(start))
}

func (s *Scheduler[T]) complete(j *job[T], r Result[T], elapsed time.Duration) {
	s.mu.Lock()
	s.active--
	s.laneLocked(j.lane).active--
	if r.Err == nil {
		s.tracker.Record(j.lane, elapsed)
		s.rampLocked()
		s.adaptLaneLocked(j.lane)
	}
	s.pumpLocked()
	s.mu.Unlock()
	s.flushAdaptations()
	if r.Err == nil && s.onLatency != nil {
		s.onLatency(j.lane, elapsed)
	}
	j.result <- r
}

// rampLocked grows the global limit by one after a sustained run of
// successes, but only while there is queued demand to use it.
func (s *Scheduler[T]) rampLocked() {
	s.successStreak++
	if s.successStreak >= s.cfg.RampStreak && len(s.queue) > 0 && s.concurrency < s.globalMaxLocked() {
		s.concurrency++
		s.successStreak = 0
		s.emitLocked("", api.AdaptationUp, s.concurrency, "sustained success")
	}
}

// adaptLaneLocked compares the lane's p90 against the spike and recover
// thresholds after a successful completion. The adjustment is independent of
// the global concurrency limit.
func (s *Scheduler[T]) adaptLaneLocked(lane api.ReportType) {
	p90 := s.tracker.P90(lane)
	if p90 == 0 {
		return
	}
	ls := s.laneLocked(lane)
	if p90 > s.cfg.Spike {
		if halved := util.Max(ls.cap/2, s.cfg.LaneMin); halved < ls.cap {
			ls.cap = halved
			s.emitLocked(lane, api.AdaptationDown, ls.cap, "latency spike")
		}
	} else if p90 < s.cfg.Recover && ls.cap < s.cfg.LaneMax {
		ls.cap++
		s.emitLocked(lane, api.AdaptationUp, ls.cap, "latency recovered")
	}
}

func (s *Scheduler[T]) emitLocked(lane api.ReportType, direction api.AdaptationDirection, limit int, reason string) {
	if s.metrics != nil {
		if lane == "" {
			s.metrics.SetGlobalConcurrency(limit)
		} else {
			s.metrics.SetLaneCap(string(lane), limit)
		}
		s.metrics.RecordLaneAdaptation(string(direction), reason)
	}
	if s.onAdaptation == nil {
		return
	}
	s.pending = append(s.pending, api.LaneAdaptation{
		Lane:      lane,
		Direction: direction,
		Limit:     limit,
		Reason:    reason,
	})
}

func (s *Scheduler[T]) flushAdaptations() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, e := range pending {
		s.onAdaptation(e)
	}
}
