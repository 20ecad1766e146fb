package store

import (
	"context"
	"sync"
	"sync/atomic"
)

// ReadyBarrier is the rendezvous that guards engine-handle teardown. While a
// Reconnect/Suspend is in flight the barrier is held and every other public
// operation awaits it, so no caller observes a half-torn-down handle. Callers
// queue; they do not fail.
type ReadyBarrier struct {
	mu   sync.Mutex
	gate chan struct{}
}

// NewReadyBarrier returns an open barrier.
func NewReadyBarrier() *ReadyBarrier {
	b := &ReadyBarrier{gate: make(chan struct{})}
	close(b.gate)
	return b
}

// Hold closes the barrier. Await blocks until Release.
func (b *ReadyBarrier) Hold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.gate:
		b.gate = make(chan struct{})
	default:
		// already held
	}
}

// Release reopens the barrier, waking all waiters.
func (b *ReadyBarrier) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.gate:
	default:
		close(b.gate)
	}
}

// Await blocks until the barrier is open or the context is done.
func (b *ReadyBarrier) Await(ctx context.Context) error {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlightGuard provides non-blocking single-flight semantics using atomic
// operations. Concurrent backup attempts coalesce: the loser observes the
// guard held and returns without doing work.
type FlightGuard struct {
	state atomic.Int32 // 0 = free, 1 = held
}

// TryAcquire attempts to acquire the guard without blocking.
func (g *FlightGuard) TryAcquire() bool {
	return g.state.CompareAndSwap(0, 1)
}

// Release releases the guard. Must only be called after a successful
// TryAcquire.
func (g *FlightGuard) Release() {
	g.state.Store(0)
}
