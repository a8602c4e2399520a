package remote

import (
	"context"
	"time"
)

// Batcher batches up values from a channel. Batches are emitted whenever
// maxItems have been received or the current interval has elapsed since the
// batch was started, whichever occurs first. The interval is re-read for
// every batch so the emission cadence can be adjusted while running. Closing
// the input channel flushes the remaining buffer and stops the batcher.
type Batcher[T any] struct {
	input    chan T
	maxItems int
	interval func() time.Duration
	callback func([]T)
	buffer   []T
}

func NewBatcher[T any](input chan T, maxItems int, interval func() time.Duration, callback func([]T)) *Batcher[T] {
	return &Batcher[T]{
		input:    input,
		maxItems: maxItems,
		interval: interval,
		callback: callback,
	}
}

func (b *Batcher[T]) Run(ctx context.Context) {
	for {
		b.buffer = nil
		expire := time.After(b.interval())
		for appendToBatch := true; appendToBatch; {
			select {
			case <-ctx.Done():
				return
			case value, ok := <-b.input:
				if !ok {
					if len(b.buffer) > 0 {
						b.callback(b.buffer)
					}
					return
				}
				b.buffer = append(b.buffer, value)
				if len(b.buffer) == b.maxItems {
					b.callback(b.buffer)
					appendToBatch = false
				}
			case <-expire:
				if len(b.buffer) > 0 {
					b.callback(b.buffer)
					appendToBatch = false
				} else {
					// Nothing buffered yet; re-arm so a later page still
					// gets a time-bounded flush.
					expire = time.After(b.interval())
				}
			}
		}
	}
}
