package remote

import (
	"context"
	"sync"
)

// Loopback is an in-process Transport. The embedding side of the remote
// contract reads Requests and pushes Reply; it stands in for a real worker
// in tests and in single-process deployments.
type Loopback struct {
	requests chan Envelope
	replies  chan Envelope

	closeOnce sync.Once
}

func NewLoopback(buffer int) *Loopback {
	return &Loopback{
		requests: make(chan Envelope, buffer),
		replies:  make(chan Envelope, buffer),
	}
}

func (l *Loopback) Send(ctx context.Context, env Envelope) error {
	select {
	case l.requests <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) Replies() <-chan Envelope {
	return l.replies
}

// Requests exposes the stream the worker side consumes.
func (l *Loopback) Requests() <-chan Envelope {
	return l.requests
}

// Reply pushes one worker reply toward the bridge.
func (l *Loopback) Reply(env Envelope) {
	l.replies <- env
}

func (l *Loopback) Close() error {
	l.closeOnce.Do(func() {
		close(l.requests)
	})
	return nil
}
