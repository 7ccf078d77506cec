// Package executor wraps storage operations with bounded retries,
// exponential backoff, and queue serialization.
package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/promptvault/promptvault/internal/common/errors"
	"github.com/promptvault/promptvault/internal/common/logger"
	"github.com/promptvault/promptvault/internal/storage/metrics"
	"github.com/promptvault/promptvault/internal/storage/queue"
)

const (
	// DefaultMaxRetries bounds attempts when the caller passes a
	// non-positive count.
	DefaultMaxRetries = 3

	defaultBaseDelay = 100 * time.Millisecond
	defaultMaxDelay  = 2 * time.Second
)

// Op is a retryable storage operation. Ops must be idempotent: a retried
// attempt re-runs the whole body, so the body must re-read current state
// rather than carry state across attempts. This is a documented precondition,
// not something the executor can enforce.
type Op func(ctx context.Context) error

// Sleeper suspends for the given duration, returning early with the context's
// error if it is cancelled first. Injected so retry policy is testable
// without real delays.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option configures an Executor.
type Option func(*Executor)

// WithBackoff overrides the backoff base delay and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(e *Executor) {
		e.baseDelay = base
		e.maxDelay = max
	}
}

// WithSleeper overrides the suspend-for-duration primitive.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		e.sleep = s
	}
}

// Executor runs storage operations with retry and, through the write queue,
// with serialization. The executor owns no shared state itself; everything it
// runs flows through the injected queue.
type Executor struct {
	queue   *queue.WriteQueue
	logger  *logger.Logger
	metrics *metrics.Collector

	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     Sleeper
}

// New creates an executor over the given write queue.
func New(q *queue.WriteQueue, log *logger.Logger, opts ...Option) *Executor {
	e := &Executor{
		queue:     q,
		logger:    log.WithFields(zap.String("component", "executor")),
		metrics:   metrics.NewCollector(),
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
		sleep:     sleepWithContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff computes the delay before the attempt following the given one:
// min(base * 2^(attempt-1), max). Pure so the schedule is testable in
// isolation.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// ExecuteWithRetry attempts op up to maxRetries times with exponential
// backoff between attempts. Exhausted retries surface as a single aggregated
// error naming the operation and the last underlying failure.
//
// This path gives retry only, not serialization; it is safe for a single
// writer per key. Concurrent writers must go through ExecuteAtomicWithRetry.
func (e *Executor) ExecuteWithRetry(ctx context.Context, name string, op Op, maxRetries int) error {
	start := time.Now()
	err := e.retry(ctx, name, op, maxRetries)
	e.metrics.Record(time.Since(start), err)
	return err
}

// ExecuteAtomic submits op to the write queue unmodified: serialization
// without retry.
func (e *Executor) ExecuteAtomic(ctx context.Context, name string, op Op) error {
	start := time.Now()
	err := e.queue.EnqueueWait(ctx, queue.Op(op))
	e.metrics.Record(time.Since(start), err)
	if err != nil {
		e.logger.Warn("operation failed",
			zap.String("operation", name),
			zap.Error(err))
	}
	return err
}

// ExecuteAtomicWithRetry runs the entire retry loop as a single queue entry,
// so retries of a failed attempt never interleave with another caller's
// write. The composition order matters: retry-inside-atomic prevents attempt
// 1 of caller A interleaving with attempt 1 of caller B, each reading the
// other's partial state.
func (e *Executor) ExecuteAtomicWithRetry(ctx context.Context, name string, op Op, maxRetries int) error {
	start := time.Now()
	err := e.queue.EnqueueWait(ctx, func(ctx context.Context) error {
		return e.retry(ctx, name, op, maxRetries)
	})
	e.metrics.Record(time.Since(start), err)
	return err
}

// retry is the shared attempt loop.
func (e *Executor) retry(ctx context.Context, name string, op Op, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 {
				e.logger.Info("operation succeeded after retry",
					zap.String("operation", name),
					zap.Int("attempt", attempt))
			}
			return nil
		}

		e.logger.Warn("operation attempt failed",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(lastErr))

		if attempt < maxRetries {
			if err := e.sleep(ctx, Backoff(attempt, e.baseDelay, e.maxDelay)); err != nil {
				// Context cancelled during backoff; stop retrying.
				break
			}
		}
	}

	return errors.RetryExhausted(name, maxRetries, lastErr)
}

// Metrics returns the executor-level metrics collector.
func (e *Executor) Metrics() *metrics.Collector {
	return e.metrics
}

// QueueDepth reports the write queue's instantaneous depth.
func (e *Executor) QueueDepth() int {
	return e.queue.Depth()
}
