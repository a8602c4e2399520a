// Package memory provides headroom probes used by the pipeline and the green
// zone controller to retract concurrency before the process runs out of
// memory.
package memory

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Probe reports the fraction of the memory budget currently in use.
type Probe interface {
	// HeadroomRatio returns used/limit in [0, 1+); values above 1 mean the
	// budget is exceeded.
	HeadroomRatio() (float64, error)
}

// RuntimeProbe measures heap usage against a configured soft limit.
type RuntimeProbe struct {
	// SoftLimitBytes is the heap budget the ratio is computed against.
	SoftLimitBytes uint64
}

func NewRuntimeProbe(softLimitBytes uint64) (*RuntimeProbe, error) {
	if softLimitBytes == 0 {
		return nil, errors.New("soft limit must be positive")
	}
	return &RuntimeProbe{SoftLimitBytes: softLimitBytes}, nil
}

func (p *RuntimeProbe) HeadroomRatio() (float64, error) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.HeapAlloc) / float64(p.SoftLimitBytes), nil
}

// ManualProbe is a manually controlled probe for tests.
type ManualProbe struct {
	ratio float64
	err   error
	mu    sync.Mutex
}

func NewManualProbe() *ManualProbe {
	return &ManualProbe{}
}

func (p *ManualProbe) SetRatio(ratio float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ratio = ratio
	p.err = nil
}

func (p *ManualProbe) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *ManualProbe) HeadroomRatio() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ratio, p.err
}
