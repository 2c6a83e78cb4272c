// Package asyncqueue runs operations one at a time, in scheduling order, on a
// single worker goroutine. Every state change of the sync core happens on
// this queue, so the in-memory structures it touches need no locks.
package asyncqueue

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/serroba/docsync/internal/logging"
	"github.com/serroba/docsync/internal/model"
	"go.uber.org/zap"
)

// Common errors.
var (
	// ErrQueueFailed wraps the cause of the failure that stopped the queue.
	ErrQueueFailed = errors.New("async queue failed")
	ErrQueueClosed = errors.New("async queue closed")
)

// Op is a unit of work. A returned error or a panic is fatal to the queue.
type Op func() error

// Config holds configuration for a Queue.
type Config struct {
	Logger *zap.Logger
	// OnFailure is called once, off the worker, with the first fatal error.
	OnFailure func(error)
}

type task struct {
	op     Op
	result chan error
}

// Queue is a serialized task queue.
type Queue struct {
	log       *zap.Logger
	onFailure func(error)

	mu      sync.Mutex
	pending []task
	closed  bool
	failure error
	wake    chan struct{}
	done    chan struct{}

	running atomic.Bool
}

// New creates a queue and starts its worker.
func New(cfg Config) *Queue {
	q := &Queue{
		log:       logging.OrNop(cfg.Logger),
		onFailure: cfg.OnFailure,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	go q.loop()

	return q
}

// Enqueue schedules op and returns a channel that receives its result.
// Operations scheduled after a failure are rejected with ErrQueueFailed.
func (q *Queue) Enqueue(op Op) <-chan error {
	result := make(chan error, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.failure != nil:
		result <- q.failedErr()

		return result
	case q.closed:
		result <- ErrQueueClosed

		return result
	}

	q.pending = append(q.pending, task{op: op, result: result})

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return result
}

// EnqueueAndForget schedules op without waiting for its result.
func (q *Queue) EnqueueAndForget(op Op) {
	q.Enqueue(op)
}

// Run schedules op and waits for it to finish.
func (q *Queue) Run(op Op) error {
	return <-q.Enqueue(op)
}

// VerifyOperationInProgress panics unless called from a queue operation.
func (q *Queue) VerifyOperationInProgress() {
	model.Assert(q.running.Load(), "expected to be called by the async queue")
}

// Failed returns the fatal error that stopped the queue, if any.
func (q *Queue) Failed() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failure == nil {
		return nil
	}

	return q.failedErr()
}

// Shutdown stops accepting work. Already scheduled operations still run.
// Shutdown waits for the worker to exit and must not be called from an
// operation.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	<-q.done
}

func (q *Queue) failedErr() error {
	return fmt.Errorf("%w: %w", ErrQueueFailed, q.failure)
}

func (q *Queue) loop() {
	defer close(q.done)

	for {
		t, ok := q.next()
		if !ok {
			return
		}

		if t.op == nil {
			t.result <- nil

			continue
		}

		err := q.execute(t.op)
		if err != nil {
			q.fail(err)
		}

		t.result <- err
	}
}

// next blocks until a task is available. It returns false once the queue is
// closed and drained.
func (q *Queue) next() (task, bool) {
	for {
		q.mu.Lock()

		if len(q.pending) > 0 {
			t := q.pending[0]
			q.pending[0] = task{}
			q.pending = q.pending[1:]

			if q.failure != nil {
				q.mu.Unlock()
				t.result <- q.Failed()

				continue
			}

			q.mu.Unlock()

			return t, true
		}

		if q.closed {
			q.mu.Unlock()

			return task{}, false
		}

		q.mu.Unlock()

		<-q.wake
	}
}

func (q *Queue) execute(op Op) (err error) {
	q.running.Store(true)
	defer q.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *model.InvariantError:
				err = v
			case error:
				err = fmt.Errorf("panic: %w", v)
			default:
				err = fmt.Errorf("panic: %v", v)
			}

			q.log.Error("QueueOperationPanicked", zap.Error(err), zap.ByteString("stack", debug.Stack()))
		}
	}()

	return op()
}

func (q *Queue) fail(err error) {
	q.mu.Lock()
	first := q.failure == nil

	if first {
		q.failure = err
	}
	q.mu.Unlock()

	if !first {
		return
	}

	q.log.Error("QueueFailed", zap.Error(err))

	if q.onFailure != nil {
		go q.onFailure(err)
	}
}
