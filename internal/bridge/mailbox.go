package bridge

import (
	"context"
	"sync"
)

// Mailbox is an unbounded FIFO queue with a single consumer. Put never blocks,
// so it is safe to call while holding the registry lock. Get blocks until a
// message is available, the mailbox is closed and drained, or ctx is done.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	notify chan struct{}
	done   chan struct{}

	onPush func()
	onPop  func()
}

// MailboxOption configures a [Mailbox].
type MailboxOption func(*mailboxOptions)

type mailboxOptions struct {
	onPush, onPop func()
}

// WithDepthHooks registers callbacks invoked after every enqueue and after
// every dequeue or discard of a single message. They are used to export the
// queue depth as a gauge.
func WithDepthHooks(onPush, onPop func()) MailboxOption {
	return func(o *mailboxOptions) {
		o.onPush = onPush
		o.onPop = onPop
	}
}

// NewMailbox returns an empty, open mailbox.
func NewMailbox[T any](opts ...MailboxOption) *Mailbox[T] {
	var o mailboxOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Mailbox[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		onPush: o.onPush,
		onPop:  o.onPop,
	}
}

// Put enqueues v. It reports false, dropping v, if the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	if m.onPush != nil {
		m.onPush()
	}
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Get dequeues the oldest message. It returns ok == false once the mailbox is
// closed and empty, or when ctx is done.
func (m *Mailbox[T]) Get(ctx context.Context) (v T, ok bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v = m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			if m.onPop != nil {
				m.onPop()
			}
			return v, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return v, false
		}

		select {
		case <-m.notify:
		case <-m.done:
		case <-ctx.Done():
			return v, false
		}
	}
}

// Len reports the number of queued messages.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops the mailbox from accepting new messages. Messages already
// queued can still be drained with Get. Close is idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

// Discard closes the mailbox and drops everything still queued. The consumer
// calls it when it stops reading early.
func (m *Mailbox[T]) Discard() {
	m.Close()

	m.mu.Lock()
	n := len(m.items)
	m.items = nil
	m.mu.Unlock()

	if m.onPop != nil {
		for range n {
			m.onPop()
		}
	}
}
