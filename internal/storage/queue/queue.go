// Package queue implements the write-serialization queue: a single-flight
// FIFO that guarantees at most one write operation touches the backing store
// at any instant.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/promptvault/promptvault/internal/common/logger"
	"github.com/promptvault/promptvault/internal/storage/metrics"
)

// ErrQueueClosed is returned for operations submitted to a closed queue.
var ErrQueueClosed = errors.New("write queue is closed")

// Op is a write operation executed by the queue worker.
type Op func(ctx context.Context) error

// queuedOp is one queue entry: the operation plus its identity and the
// channel its caller is waiting on.
type queuedOp struct {
	id         string
	enqueuedAt time.Time
	ctx        context.Context
	run        Op
	done       chan error
}

// WriteQueue serializes write operations in FIFO order. A single worker
// goroutine pulls the head entry, runs it to completion, delivers the result
// to the waiting caller, then pulls the next. A failing operation does not
// halt the worker.
type WriteQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*queuedOp
	inFlight bool
	closed   bool

	logger  *logger.Logger
	metrics *metrics.Collector
}

// New creates a write queue and starts its worker loop.
func New(log *logger.Logger) *WriteQueue {
	q := &WriteQueue{
		logger:  log.WithFields(zap.String("component", "write_queue")),
		metrics: metrics.NewCollector(),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

// Enqueue appends op to the queue and returns the channel that will carry
// op's result. Operations execute in FIFO order relative to enqueue time and
// never overlap.
func (q *WriteQueue) Enqueue(ctx context.Context, op Op) <-chan error {
	entry := &queuedOp{
		id:         uuid.New().String(),
		enqueuedAt: time.Now(),
		ctx:        ctx,
		run:        op,
		done:       make(chan error, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		entry.done <- ErrQueueClosed
		return entry.done
	}
	q.pending = append(q.pending, entry)
	q.cond.Broadcast()
	q.mu.Unlock()

	q.logger.Debug("enqueued write operation",
		zap.String("op_id", entry.id),
		zap.Int("depth", q.Depth()))

	return entry.done
}

// EnqueueWait submits op and blocks until it has run, returning its error.
func (q *WriteQueue) EnqueueWait(ctx context.Context, op Op) error {
	return <-q.Enqueue(ctx, op)
}

// Depth returns the number of operations not yet started or in flight.
func (q *WriteQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *WriteQueue) depthLocked() int {
	depth := len(q.pending)
	if q.inFlight {
		depth++
	}
	return depth
}

// Flush blocks until the queue is drained. Operations enqueued while the
// flush is waiting are drained too.
func (q *WriteQueue) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.depthLocked() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// Clear discards all not-yet-started operations without executing them.
//
// The dropped entries' result channels are never written to, so a caller
// blocked on one will wait forever. This is a test/teardown affordance, not
// part of the steady-state contract; any in-flight operation still runs to
// completion.
func (q *WriteQueue) Clear() {
	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Warn("cleared pending write operations", zap.Int("dropped", dropped))
	}
}

// Close stops the worker after the in-flight operation (if any) completes.
// Pending operations are rejected with ErrQueueClosed so their callers do not
// hang.
func (q *WriteQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	rejected := q.pending
	q.pending = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, entry := range rejected {
		entry.done <- ErrQueueClosed
	}
}

// Metrics returns the queue-level metrics collector.
func (q *WriteQueue) Metrics() *metrics.Collector {
	return q.metrics
}

// worker is the single processing loop. It owns the in-flight slot: exactly
// one operation executes at a time, in enqueue order.
func (q *WriteQueue) worker() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		entry := q.pending[0]
		q.pending = q.pending[1:]
		q.inFlight = true
		q.mu.Unlock()

		start := time.Now()
		err := entry.run(entry.ctx)
		q.metrics.Record(time.Since(start), err)

		if err != nil {
			q.logger.Debug("write operation failed",
				zap.String("op_id", entry.id),
				zap.Duration("queued_for", start.Sub(entry.enqueuedAt)),
				zap.Error(err))
		}

		entry.done <- err

		q.mu.Lock()
		q.inFlight = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
