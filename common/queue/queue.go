// Package queue is the bounded token buffer between an event reactor and
// an orchestrator worker. Capacity comes from the deployed rule payload;
// a full buffer blocks the producer rather than dropping tokens.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrel-io/petrel/common/token"
)

// ErrClosed reports an enqueue or dequeue against a closed buffer.
var ErrClosed = errors.New("queue: buffer closed")

// Event is one token awaiting orchestration.
type Event struct {
	Envelope *token.Envelope

	// ArrivedAt is stamped when the datagram was parsed, before any
	// queueing delay.
	ArrivedAt time.Time
}

// Buffer is a fixed-capacity FIFO of token events.
type Buffer struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewBuffer creates a buffer holding at most capacity events.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue adds an event, blocking while the buffer is full.
func (b *Buffer) Enqueue(ctx context.Context, ev Event) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- ev:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue takes the oldest event, blocking while the buffer is empty. The
// returned depth counts the events queued at the moment of the take, the
// taken event included. After Close, queued events keep draining until
// the buffer is empty.
func (b *Buffer) Dequeue(ctx context.Context) (Event, int, error) {
	select {
	case ev := <-b.ch:
		return ev, len(b.ch) + 1, nil
	default:
	}
	select {
	case ev := <-b.ch:
		return ev, len(b.ch) + 1, nil
	case <-b.done:
		select {
		case ev := <-b.ch:
			return ev, len(b.ch) + 1, nil
		default:
			return Event{}, 0, ErrClosed
		}
	case <-ctx.Done():
		return Event{}, 0, ctx.Err()
	}
}

// Depth reports how many events are currently queued.
func (b *Buffer) Depth() int {
	return len(b.ch)
}

// Cap reports the buffer capacity.
func (b *Buffer) Cap() int {
	return cap(b.ch)
}

// Close stops new enqueues. Idempotent.
func (b *Buffer) Close() {
	b.once.Do(func() { close(b.done) })
}
