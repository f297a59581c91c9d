package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("queue closed")

type task struct {
	ctx  context.Context
	fn   func() error
	done chan error
}

// Serial executes submitted functions strictly one at a time, in FIFO order,
// on a single worker goroutine. It serializes first-touch room work and
// consumer creation so concurrent joins cannot interleave partial states.
type Serial struct {
	tasks     chan task
	closed    chan struct{}
	closeOnce sync.Once
}

func NewSerial(buffer int) *Serial {
	q := &Serial{
		tasks:  make(chan task, buffer),
		closed: make(chan struct{}),
	}
	go q.run()
	return q
}

// Do enqueues fn and waits for its completion. The context covers both the
// queue wait and fn itself: a task whose context expired before its turn is
// skipped.
func (q *Serial) Do(ctx context.Context, fn func() error) error {
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case q.tasks <- t:
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Serial) run() {
	for {
		select {
		case t := <-q.tasks:
			if t.ctx.Err() != nil {
				t.done <- t.ctx.Err()
				continue
			}
			t.done <- t.fn()
		case <-q.closed:
			// Drain anything already queued so waiters are not stranded.
			for {
				select {
				case t := <-q.tasks:
					t.done <- ErrQueueClosed
				default:
					return
				}
			}
		}
	}
}

func (q *Serial) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
