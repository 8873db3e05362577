// Package svc provides ordered executors. A Queue runs functions one at a
// time on its own goroutine in the order they were queued, so state owned
// by the queue needs no further locking.
package svc

import (
	"errors"
	"sync"
)

// ErrClosed is returned when work is queued on a closed Queue.
var ErrClosed = errors.New("svc: queue closed")

// Queue is an unbounded FIFO executor. Queueing never blocks the caller.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	paused  bool
	closed  bool
	done    chan struct{}
}

// New starts a running queue.
func New() *Queue {
	return start(false)
}

// NewPaused starts a queue that holds work until Resume.
func NewPaused() *Queue {
	return start(true)
}

func start(paused bool) *Queue {
	q := &Queue{paused: paused, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Svc queues code. It returns false if the queue is closed.
func (q *Queue) Svc(code func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, code)
	q.cond.Signal()
	return true
}

// Sync runs code on the queue and waits for its result.
// It must not be called from the queue's own goroutine.
func Sync[T any](q *Queue, code func() (T, error)) (T, error) {
	result := make(chan struct{})
	var value T
	var err error
	ok := q.Svc(func() {
		defer close(result)
		value, err = code()
	})
	if !ok {
		var zero T
		return zero, ErrClosed
	}
	select {
	case <-result:
		return value, err
	case <-q.done:
		// the queue was closed before code ran
		select {
		case <-result:
			return value, err
		default:
		}
		var zero T
		return zero, ErrClosed
	}
}

// Pause holds queued work until Resume. The function running now finishes.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume releases work held by Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.cond.Signal()
	q.mu.Unlock()
}

// Len returns the number of functions waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close discards pending work and stops the queue after the function running now.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.pending = nil
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// Done is closed when the queue's goroutine has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Wait blocks until the queue's goroutine has exited.
// Calling it from inside the queue deadlocks.
func (q *Queue) Wait() {
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for !q.closed && (q.paused || len(q.pending) == 0) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		code := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		code()
	}
}
