package registry

import (
	"context"
	"fmt"
	"sync"
)

// UpdateFunc renders and publishes the status of one channel.
type UpdateFunc func(ctx context.Context) error

type queuedUpdate struct {
	fn   UpdateFunc
	done chan error
}

// statusQueue is the FIFO of pending renders for a single channel. One worker
// goroutine drains it, so renders of the same channel never overlap.
type statusQueue struct {
	mu      sync.Mutex
	pending []queuedUpdate
	wake    chan struct{}
}

// EnqueueStatusUpdate appends fn to the channel's render queue. Updates of one
// channel run strictly in submission order and never concurrently; different
// channels are independent. The returned channel receives fn's result once it
// has run.
func (r *Registry) EnqueueStatusUpdate(channelID int64, fn UpdateFunc) <-chan error {
	done := make(chan error, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		done <- ErrClosed
		close(done)

		return done
	}

	q, ok := r.queues[channelID]
	if !ok {
		q = &statusQueue{wake: make(chan struct{}, 1)}
		r.queues[channelID] = q

		r.wg.Add(1)
		go r.drain(q)
	}

	q.mu.Lock()
	q.pending = append(q.pending, queuedUpdate{fn: fn, done: done})
	q.mu.Unlock()
	r.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return done
}

func (r *Registry) drain(q *statusQueue) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			q.mu.Lock()
			rest := q.pending
			q.pending = nil
			q.mu.Unlock()

			for _, u := range rest {
				u.done <- ErrClosed
				close(u.done)
			}

			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()

				break
			}

			u := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			u.done <- r.run(u.fn)
			close(u.done)
		}
	}
}

func (r *Registry) run(fn UpdateFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("status update panicked: %v", rec)
		}
	}()

	return fn(r.ctx)
}

// Close stops every channel worker. Updates still queued receive ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
