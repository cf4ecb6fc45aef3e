package bridge

import (
	"context"
	"errors"
	"sync"
)

// ErrHandoffAbandoned is returned by [Handoff.Wait] when the producer gave up
// before delivering a value.
var ErrHandoffAbandoned = errors.New("bridge: handoff abandoned")

type handoffState int

const (
	handoffPending handoffState = iota
	handoffDelivered
	handoffAbandoned
)

// Handoff passes a single value from one producer to one consumer. Only the
// first Deliver or Abandon takes effect.
type Handoff[T any] struct {
	mu    sync.Mutex
	state handoffState
	value T
	done  chan struct{}
}

// NewHandoff returns a pending handoff.
func NewHandoff[T any]() *Handoff[T] {
	return &Handoff[T]{done: make(chan struct{})}
}

// Deliver hands v to the consumer. It reports false if the handoff already
// completed.
func (h *Handoff[T]) Deliver(v T) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != handoffPending {
		return false
	}
	h.value = v
	h.state = handoffDelivered
	close(h.done)
	return true
}

// Abandon tells the consumer no value is coming. It is a no-op after Deliver.
func (h *Handoff[T]) Abandon() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != handoffPending {
		return
	}
	h.state = handoffAbandoned
	close(h.done)
}

// Wait blocks until a value is delivered, the handoff is abandoned, or ctx is
// done.
func (h *Handoff[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == handoffAbandoned {
		var zero T
		return zero, ErrHandoffAbandoned
	}
	return h.value, nil
}
