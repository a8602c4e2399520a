package remote

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/reportpump/reportpump/internal/ingester/configuration"
)

// Transport moves envelopes to and from the remote context. Implementations
// must keep Replies open until Close is called.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Replies() <-chan Envelope
	Close() error
}

// ReplyHandlers receives dispatched replies for the active run. Nil fields
// are skipped. Handlers must not block; they are invoked from the bridge's
// reply loop.
type ReplyHandlers struct {
	OnProgress  func(ProgressPayload)
	OnPartial   func(map[string]interface{})
	OnFinal     func(map[string]interface{})
	OnCancelled func()
	OnError     func(string)
}

// Bridge runs one ingestion run against a remote context. It owns the run
// id: replies carrying any other id are dropped, which makes results from a
// cancelled or reset run harmless even if they arrive late. A Bridge is
// single-use; create a new one per run.
type Bridge struct {
	transport Transport
	cfg       configuration.RemoteConfig
	handlers  ReplyHandlers

	mu    sync.Mutex
	runID string

	readyOnce sync.Once
	ready     chan struct{}

	input       chan PagePayload
	batcherDone chan struct{}
	stopLoops   context.CancelFunc

	// Partial-emission interval in nanoseconds; 0 falls back to the
	// configured batch interval.
	partialInterval int64
	// Pages submitted but not yet posted to the transport.
	queued int64
}

func NewBridge(transport Transport, cfg configuration.RemoteConfig, handlers ReplyHandlers) *Bridge {
	return &Bridge{
		transport: transport,
		cfg:       cfg,
		handlers:  handlers,
		ready:     make(chan struct{}),
	}
}

// RunID returns the id the bridge currently accepts replies for.
func (b *Bridge) RunID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runID
}

// SetPartialInterval lets a cadence policy slow down or restore how often
// buffered pages are flushed to the remote context.
func (b *Bridge) SetPartialInterval(d time.Duration) {
	atomic.StoreInt64(&b.partialInterval, int64(d))
}

func (b *Bridge) currentInterval() time.Duration {
	if d := atomic.LoadInt64(&b.partialInterval); d > 0 {
		return time.Duration(d)
	}
	return b.cfg.BatchInterval
}

// Start announces the run and waits for the remote context to report ready,
// bounded by the configured handshake timeout.
func (b *Bridge) Start(ctx context.Context, init InitPayload) error {
	b.mu.Lock()
	if b.runID != "" {
		b.mu.Unlock()
		return errors.New("bridge already started")
	}
	b.runID = uuid.NewString()
	runID := b.runID
	b.input = make(chan PagePayload, b.cfg.BatchSize)
	b.batcherDone = make(chan struct{})
	b.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	b.stopLoops = cancel
	go b.replyLoop(loopCtx)

	batcher := NewBatcher(b.input, b.cfg.BatchSize, b.currentInterval, func(pages []PagePayload) {
		b.postBatch(loopCtx, pages)
	})
	go func() {
		batcher.Run(loopCtx)
		close(b.batcherDone)
	}()

	err := b.transport.Send(ctx, Envelope{Kind: KindInitRun, RunID: runID, Init: &init})
	if err != nil {
		return errors.WithMessage(err, "failed to announce run to remote context")
	}

	select {
	case <-b.ready:
		return nil
	case <-time.After(b.cfg.HandshakeTimeout):
		return errors.Errorf("remote context not ready after %s", b.cfg.HandshakeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitPage hands one page to the batcher. The bridge must have been
// started; submitting before Start fails rather than blocking on the
// unopened input channel.
func (b *Bridge) SubmitPage(ctx context.Context, page PagePayload) error {
	b.mu.Lock()
	input := b.input
	b.mu.Unlock()
	if input == nil {
		return errors.New("bridge not started")
	}
	select {
	case input <- page:
		atomic.AddInt64(&b.queued, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backlog reports how many submitted pages have not yet been posted to the
// transport.
func (b *Bridge) Backlog() int {
	return int(atomic.LoadInt64(&b.queued))
}

// Finalize flushes any buffered pages and asks the remote context for its
// final result. The bridge keeps receiving replies until Close.
func (b *Bridge) Finalize(ctx context.Context) error {
	close(b.input)
	select {
	case <-b.batcherDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.transport.Send(ctx, Envelope{Kind: KindFinalize, RunID: b.RunID()})
}

// Cancel tells the remote context to abandon the run.
func (b *Bridge) Cancel(ctx context.Context) error {
	return b.transport.Send(ctx, Envelope{Kind: KindCancel, RunID: b.RunID()})
}

// Reset discards the run on both sides. The run id is rotated immediately so
// any reply still in flight for the old run fails the id check and is
// dropped.
func (b *Bridge) Reset(ctx context.Context) error {
	b.mu.Lock()
	old := b.runID
	b.runID = uuid.NewString()
	b.mu.Unlock()
	return b.transport.Send(ctx, Envelope{Kind: KindReset, RunID: old})
}

// Close stops the reply loop and the batcher and closes the transport.
func (b *Bridge) Close() error {
	if b.stopLoops != nil {
		b.stopLoops()
	}
	return b.transport.Close()
}

func (b *Bridge) postBatch(ctx context.Context, pages []PagePayload) {
	batch := make([]PagePayload, len(pages))
	copy(batch, pages)
	err := b.transport.Send(ctx, Envelope{Kind: KindPageBatch, RunID: b.RunID(), Pages: batch})
	atomic.AddInt64(&b.queued, -int64(len(batch)))
	if err != nil {
		log.WithError(err).Warn("failed to deliver page batch to remote context")
	}
}

func (b *Bridge) replyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-b.transport.Replies():
			if !ok {
				return
			}
			if env.RunID != b.RunID() {
				log.WithFields(log.Fields{"kind": env.Kind, "runId": env.RunID}).
					Debug("discarding reply for stale run")
				continue
			}
			b.dispatch(env)
		}
	}
}

func (b *Bridge) dispatch(env Envelope) {
	switch env.Kind {
	case KindReady:
		b.readyOnce.Do(func() { close(b.ready) })
	case KindProgress:
		if b.handlers.OnProgress != nil && env.Progress != nil {
			b.handlers.OnProgress(*env.Progress)
		}
	case KindPartialResult:
		if b.handlers.OnPartial != nil {
			b.handlers.OnPartial(env.Result)
		}
	case KindFinalResult:
		if b.handlers.OnFinal != nil {
			b.handlers.OnFinal(env.Result)
		}
	case KindCancelled:
		if b.handlers.OnCancelled != nil {
			b.handlers.OnCancelled()
		}
	case KindError:
		if b.handlers.OnError != nil {
			b.handlers.OnError(env.Error)
		}
	default:
		log.WithField("kind", env.Kind).Warn("unexpected reply kind from remote context")
	}
}
