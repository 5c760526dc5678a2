package control

import (
	"context"
	"sync"
)

// Barrier is the InitBarrier: a one-shot gate that every control-plane
// operation waits on before touching the Registry or Broker. It is opened
// exactly once, after the full pipeline has been constructed and its
// stages started, so that a client connecting the instant the bus name is
// acquired cannot observe a half-initialized daemon.
type Barrier struct {
	ch   chan struct{}
	once sync.Once
}

// NewBarrier returns a closed (not-yet-open) Barrier.
func NewBarrier() *Barrier {
	return &Barrier{ch: make(chan struct{})}
}

// Open releases every goroutine blocked in Wait, and every future Wait
// call. Safe to call more than once; only the first call has an effect.
func (b *Barrier) Open() {
	b.once.Do(func() { close(b.ch) })
}

// Wait blocks until Open has been called or ctx is done, whichever comes
// first.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
