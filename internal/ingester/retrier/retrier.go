// Package retrier retries transient failures with exponential backoff and
// jitter. Auth and client failures are never retried, and exhausting the
// retry limit surfaces as a terminal failure.
package retrier

import (
	"context"
	"math/rand"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/reportpump/reportpump/internal/common/pumperrors"
	"github.com/reportpump/reportpump/internal/common/util"
	"github.com/reportpump/reportpump/internal/ingester/configuration"
	"github.com/reportpump/reportpump/internal/ingester/metrics"
	"github.com/reportpump/reportpump/pkg/api"
)

// Backoff is notified of every transient attempt failure so the scheduler
// can retract concurrency. Implemented by scheduler.Scheduler.
type Backoff interface {
	NoteTransientFailure(lane api.ReportType)
}

type Executor struct {
	cfg     configuration.RetryConfig
	backoff Backoff
	// Optional; may be nil.
	metrics *metrics.Metrics
	rand    *rand.Rand
}

func New(cfg configuration.RetryConfig, backoff Backoff, m *metrics.Metrics) *Executor {
	return &Executor{
		cfg:     cfg,
		backoff: backoff,
		metrics: m,
		rand:    util.NewThreadsafeRand(time.Now().UnixNano()),
	}
}

// Run executes task, retrying transient failures up to the configured limit.
// The backoff sleep selects between the delay elapsing and ctx being done,
// so cancellation interrupts the wait. Auth, client, and cancellation
// failures propagate immediately. Exhausting the limit returns
// ErrRetryExhausted wrapping the last transient error.
func (e *Executor) Run(ctx context.Context, lane api.ReportType, task func(ctx context.Context) error) error {
	attempts := uint(e.cfg.Limit) + 1
	err := retry.Do(
		func() error {
			return task(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(pumperrors.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			if !pumperrors.IsRetryable(err) {
				return
			}
			log.WithError(err).WithField("lane", lane).Warnf("transient failure on attempt %d, backing off", n+1)
			if e.backoff != nil {
				e.backoff.NoteTransientFailure(lane)
			}
			if e.metrics != nil {
				e.metrics.RecordRetry(string(lane))
			}
		}),
		retry.DelayType(e.delay),
	)
	if err == nil {
		return nil
	}
	switch pumperrors.Classify(err) {
	case pumperrors.CategoryCancelled:
		var cancelled *pumperrors.ErrCancelled
		if errors.As(err, &cancelled) {
			return err
		}
		// The backoff sleep was interrupted by context cancellation.
		return errors.WithStack(&pumperrors.ErrCancelled{Reason: err.Error()})
	case pumperrors.CategoryTransient:
		// Transient but out of attempts; re-classify as terminal.
		return errors.WithStack(&pumperrors.ErrRetryExhausted{Attempts: int(attempts), Last: err})
	}
	return err
}

// delay implements base * 2^attempt plus random jitter.
func (e *Executor) delay(n uint, _ error, _ *retry.Config) time.Duration {
	d := e.cfg.BackoffBase << n
	if e.cfg.BackoffJitter > 0 {
		d += time.Duration(e.rand.Int63n(int64(e.cfg.BackoffJitter)))
	}
	return d
}
