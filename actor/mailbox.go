package actor

import (
	"context"
	"sync"

	"github.com/ling0x/krill/pkg/bytecode"
)

// Mailbox is a bounded FIFO of messages for one instance. Senders block (or
// fail, with TrySend) while it is full. After Close, sends fail with
// ErrClosed and Receive keeps returning queued messages until the queue is
// empty.
type Mailbox struct {
	ch      chan *bytecode.Record
	closing chan struct{}
	once    sync.Once

	// Senders hold the read lock while enqueueing so the receiver can wait
	// for in-flight sends before its final drain.
	mu sync.RWMutex
}

// NewMailbox creates a mailbox holding at most capacity messages.
func NewMailbox(capacity int) *Mailbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Mailbox{
		ch:      make(chan *bytecode.Record, capacity),
		closing: make(chan struct{}),
	}
}

// Send enqueues msg, waiting while the mailbox is full until space frees,
// the mailbox closes or ctx is done.
func (m *Mailbox) Send(ctx context.Context, msg *bytecode.Record) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.isClosing() {
		return ErrClosed
	}
	select {
	case m.ch <- msg:
		return nil
	case <-m.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues msg without waiting.
func (m *Mailbox) TrySend(msg *bytecode.Record) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.isClosing() {
		return ErrClosed
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive returns the next message, waiting while the mailbox is empty. ok
// is false once the mailbox is closed and drained.
func (m *Mailbox) Receive() (msg *bytecode.Record, ok bool) {
	select {
	case msg := <-m.ch:
		return msg, true
	case <-m.closing:
	}
	// Wait out senders that passed the closing check.
	m.mu.Lock()
	m.mu.Unlock()
	select {
	case msg := <-m.ch:
		return msg, true
	default:
		return nil, false
	}
}

// Close stops accepting messages. Queued messages remain receivable.
func (m *Mailbox) Close() {
	m.once.Do(func() { close(m.closing) })
}

// Closed reports whether Close has been called.
func (m *Mailbox) Closed() bool {
	return m.isClosing()
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int { return len(m.ch) }

// Cap returns the mailbox capacity.
func (m *Mailbox) Cap() int { return cap(m.ch) }

func (m *Mailbox) isClosing() bool {
	select {
	case <-m.closing:
		return true
	default:
		return false
	}
}
