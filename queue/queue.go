// Package queue implements the bounded, multi-producer/multi-consumer work
// queue that every pipeline node uses as its inbound mailbox.
//
// Grounded on the teacher's channel-based Sender/Receiver fitting
// (pipelined-pipe's internal/fitting), generalized to the explicit
// terminate/restart state machine the pipeline substrate requires: a
// closed Go channel cannot be reopened, so the queue is built directly on
// a mutex+condvar guarded ring rather than wrapping a channel.
package queue

import (
	"context"
	"sync"

	"basecall.dev/pipeline/errkinds"
)

// Queue is a bounded FIFO of T. Push blocks while full; Pop blocks while
// empty. Both unblock immediately once TerminateInput is called, per the
// documented semantics: Push returns ErrQueueTerminated, Pop drains
// whatever remains and then reports ok=false.
type Queue[T any] struct {
	mu         sync.Mutex
	notEmpty   sync.Cond
	notFull    sync.Cond
	buf        []T
	capacity   int
	terminated bool
}

// New returns a Queue with the given bounded capacity. A capacity <= 0 is
// treated as unbounded (used only in tests).
func New[T any](capacity int) *Queue[T] {
	q := &Queue[T]{
		buf:      make([]T, 0, capacity),
		capacity: capacity,
	}
	q.notEmpty.L = &q.mu
	q.notFull.L = &q.mu
	return q
}

// Push enqueues msg, blocking while the queue is full. Returns
// errkinds.ErrQueueTerminated if the queue has been terminated (either
// before or while the call was blocked).
func (q *Queue[T]) Push(msg T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.terminated && q.capacity > 0 && len(q.buf) >= q.capacity {
		q.notFull.Wait()
	}
	if q.terminated {
		return errkinds.ErrQueueTerminated
	}
	q.buf = append(q.buf, msg)
	q.notEmpty.Signal()
	return nil
}

// Pop dequeues the oldest message, blocking while the queue is empty and
// not terminated. ok is false once the queue is terminated and drained.
func (q *Queue[T]) Pop() (msg T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.terminated {
		q.notEmpty.Wait()
	}
	if len(q.buf) == 0 {
		return msg, false
	}
	msg = q.buf[0]
	q.buf = q.buf[1:]
	q.notFull.Signal()
	return msg, true
}

// PopContext dequeues the oldest message like Pop, but also returns
// (msg, false) once ctx is done, even if the queue is neither terminated
// nor empty-and-stuck. This is how the Basecaller's Runner lane realizes
// batch_timeout_ms: the caller passes a context with a deadline at
// "start of current batch + batch_timeout_ms" and fires inference on
// ctx.Err() != nil with a non-empty batch. Uses context.AfterFunc to wake
// the condvar wait when ctx is done, since sync.Cond has no native
// timeout.
func (q *Queue[T]) PopContext(ctx context.Context) (msg T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ctx.Err() != nil {
		return msg, false
	}
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.notEmpty.Broadcast()
	})
	defer stop()
	for len(q.buf) == 0 && !q.terminated && ctx.Err() == nil {
		q.notEmpty.Wait()
	}
	if len(q.buf) == 0 {
		return msg, false
	}
	msg = q.buf[0]
	q.buf = q.buf[1:]
	q.notFull.Signal()
	return msg, true
}

// Len reports the number of messages currently resident, for back-pressure
// accounting and stats sampling.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Capacity returns the configured bound.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// TerminateInput marks the queue so that no further Push is accepted; Pop
// continues to drain existing items and then reports ok=false. Idempotent.
func (q *Queue[T]) TerminateInput() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminated = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// RestartInput re-opens the queue for a subsequent run. Only legal after
// every consumer of the queue has joined; callers are responsible for that
// invariant (the queue itself has no notion of "joined consumers").
func (q *Queue[T]) RestartInput() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminated = false
	q.buf = q.buf[:0]
}

// Terminated reports whether TerminateInput has been called since
// construction or the last RestartInput.
func (q *Queue[T]) Terminated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.terminated
}
