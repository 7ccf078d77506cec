package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/promptvault/promptvault/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func TestEnqueueRunsOperation(t *testing.T) {
	q := New(newTestLogger())
	defer q.Close()

	ran := false
	err := q.EnqueueWait(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("EnqueueWait failed: %v", err)
	}
	if !ran {
		t.Error("operation did not run")
	}
}

func TestFIFOOrdering(t *testing.T) {
	q := New(newTestLogger())
	defer q.Close()

	// Block the worker so the remaining entries queue up behind the gate.
	gate := make(chan struct{})
	_ = q.Enqueue(context.Background(), func(ctx context.Context) error {
		<-gate
		return nil
	})

	var mu sync.Mutex
	var order []int
	var results []<-chan error
	for i := 0; i < 5; i++ {
		i := i
		results = append(results, q.Enqueue(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}

	close(gate)
	for _, done := range results {
		if err := <-done; err != nil {
			t.Fatalf("operation failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestSingleFlight(t *testing.T) {
	q := New(newTestLogger())
	defer q.Close()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.EnqueueWait(context.Background(), func(ctx context.Context) error {
				cur := atomic.AddInt32(&inFlight, 1)
				for {
					max := atomic.LoadInt32(&maxInFlight)
					if cur <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("expected at most 1 operation in flight, observed %d", got)
	}
}

func TestFailingOperationDoesNotHaltWorker(t *testing.T) {
	q := New(newTestLogger())
	defer q.Close()

	opErr := errors.New("boom")
	if err := q.EnqueueWait(context.Background(), func(ctx context.Context) error {
		return opErr
	}); err != opErr {
		t.Fatalf("expected opErr, got %v", err)
	}

	// The worker must still process subsequent operations.
	if err := q.EnqueueWait(context.Background(), func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("worker halted after a failing operation: %v", err)
	}
}

func TestDepth(t *testing.T) {
	q := New(newTestLogger())
	defer q.Close()

	if q.Depth() != 0 {
		t.Errorf("expected empty queue depth 0, got %d", q.Depth())
	}

	gate := make(chan struct{})
	started := make(chan struct{})
	first := q.Enqueue(context.Background(), func(ctx context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started

	second := q.Enqueue(context.Background(), func(ctx context.Context) error {
		return nil
	})

	// One in flight plus one pending.
	if got := q.Depth(); got != 2 {
		t.Errorf("expected depth 2, got %d", got)
	}

	close(gate)
	<-first
	<-second

	if got := q.Depth(); got != 0 {
		t.Errorf("expected depth 0 after drain, got %d", got)
	}
}

func TestFlushWaitsForAllOperations(t *testing.T) {
	q := New(newTestLogger())
	defer q.Close()

	var completed int32
	for i := 0; i < 10; i++ {
		_ = q.Enqueue(context.Background(), func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&completed, 1)
			return nil
		})
	}

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := atomic.LoadInt32(&completed); got != 10 {
		t.Errorf("expected 10 completed operations after flush, got %d", got)
	}
	if q.Depth() != 0 {
		t.Errorf("expected depth 0 after flush, got %d", q.Depth())
	}
}

func TestFlushHonorsContext(t *testing.T) {
	q := New(newTestLogger())
	defer q.Close()

	gate := make(chan struct{})
	defer close(gate)
	_ = q.Enqueue(context.Background(), func(ctx context.Context) error {
		<-gate
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := q.Flush(ctx); err == nil {
		t.Error("expected Flush to fail when the context expires")
	}
}

func TestClearDiscardsPendingOperations(t *testing.T) {
	q := New(newTestLogger())
	defer q.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	first := q.Enqueue(context.Background(), func(ctx context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started

	var ran int32
	for i := 0; i < 5; i++ {
		_ = q.Enqueue(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}

	q.Clear()
	close(gate)
	<-first

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := atomic.LoadInt32(&ran); got != 0 {
		t.Errorf("cleared operations should not run, %d ran", got)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	q := New(newTestLogger())

	gate := make(chan struct{})
	started := make(chan struct{})
	first := q.Enqueue(context.Background(), func(ctx context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started

	pending := q.Enqueue(context.Background(), func(ctx context.Context) error {
		return nil
	})

	q.Close()
	close(gate)

	if err := <-first; err != nil {
		t.Errorf("in-flight operation should complete normally, got %v", err)
	}
	if err := <-pending; err != ErrQueueClosed {
		t.Errorf("expected ErrQueueClosed for pending operation, got %v", err)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	q := New(newTestLogger())
	q.Close()

	err := q.EnqueueWait(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != ErrQueueClosed {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

func TestQueueMetricsRecorded(t *testing.T) {
	q := New(newTestLogger())
	defer q.Close()

	_ = q.EnqueueWait(context.Background(), func(ctx context.Context) error { return nil })
	_ = q.EnqueueWait(context.Background(), func(ctx context.Context) error { return errors.New("boom") })

	snap := q.Metrics().Snapshot()
	if snap.TotalOperations != 2 {
		t.Errorf("expected 2 total operations, got %d", snap.TotalOperations)
	}
	if snap.SuccessfulOperations != 1 || snap.FailedOperations != 1 {
		t.Errorf("expected 1 success and 1 failure, got %d and %d",
			snap.SuccessfulOperations, snap.FailedOperations)
	}
}
