package run

import (
	"sync"
	"sync/atomic"

	"github.com/reportpump/reportpump/pkg/api"
)

// dispatcher decouples callback delivery from the pipelines. Events are
// handed to a single delivery goroutine through a bounded channel; when the
// consumer of the callbacks cannot keep up, events are dropped rather than
// ever blocking a pipeline loop.
type dispatcher struct {
	callbacks api.Callbacks
	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
	dropped   uint64
}

func newDispatcher(callbacks api.Callbacks, buffer int) *dispatcher {
	d := &dispatcher{
		callbacks: callbacks,
		events:    make(chan func(), buffer),
		done:      make(chan struct{}),
	}
	go d.deliver()
	return d
}

func (d *dispatcher) deliver() {
	defer close(d.done)
	for f := range d.events {
		f()
	}
}

func (d *dispatcher) post(f func()) {
	select {
	case d.events <- f:
	default:
		atomic.AddUint64(&d.dropped, 1)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (d *dispatcher) Dropped() uint64 {
	return atomic.LoadUint64(&d.dropped)
}

// Close flushes queued events and stops the delivery goroutine.
func (d *dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.events)
		<-d.done
	})
}

func (d *dispatcher) OnProgress(p api.Progress) {
	if d.callbacks.OnProgress == nil {
		return
	}
	d.post(func() { d.callbacks.OnProgress(p) })
}

func (d *dispatcher) OnPipelineSnapshot(s api.PipelineSnapshot) {
	if d.callbacks.OnPipelineSnapshot == nil {
		return
	}
	d.post(func() { d.callbacks.OnPipelineSnapshot(s) })
}

func (d *dispatcher) FacilityStatus(ev api.FacilityStatusEvent) {
	if d.callbacks.OnFacilityStatus == nil {
		return
	}
	d.post(func() { d.callbacks.OnFacilityStatus(ev) })
}

func (d *dispatcher) LaneAdaptation(ev api.LaneAdaptation) {
	if d.callbacks.OnLaneAdaptation == nil {
		return
	}
	d.post(func() { d.callbacks.OnLaneAdaptation(ev) })
}
