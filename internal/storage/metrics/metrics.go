// Package metrics tracks operation counts and latency for the storage layer.
package metrics

import (
	"sync"
	"time"

	v1 "github.com/promptvault/promptvault/pkg/api/v1"
)

// Collector accumulates operation outcomes for one layer (the write queue or
// the retry executor). The latency figure is a cumulative running average
// over every recorded operation, not a windowed one.
type Collector struct {
	mu                sync.Mutex
	total             int64
	successful        int64
	failed            int64
	avgLatencyMs      float64
	lastOperationTime time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Record adds one completed operation to the running totals.
func (c *Collector) Record(latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	if err != nil {
		c.failed++
	} else {
		c.successful++
	}

	// Incremental running average: avg += (x - avg) / n
	latencyMs := float64(latency.Microseconds()) / 1000.0
	c.avgLatencyMs += (latencyMs - c.avgLatencyMs) / float64(c.total)

	c.lastOperationTime = time.Now()
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() v1.OperationMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := v1.OperationMetrics{
		TotalOperations:      c.total,
		SuccessfulOperations: c.successful,
		FailedOperations:     c.failed,
		AverageLatencyMs:     c.avgLatencyMs,
	}
	if !c.lastOperationTime.IsZero() {
		snap.LastOperationTime = c.lastOperationTime.UnixMilli()
	}
	return snap
}

// Reset zeroes all counters.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total = 0
	c.successful = 0
	c.failed = 0
	c.avgLatencyMs = 0
	c.lastOperationTime = time.Time{}
}

// Combine merges two layer snapshots into one storage-wide view: counts are
// summed, the average latency is weighted by operation count, the last
// operation time is the later of the two, and the queue depth is taken as
// given.
func Combine(a, b v1.OperationMetrics, queueDepth int) v1.StorageMetrics {
	combined := v1.OperationMetrics{
		TotalOperations:      a.TotalOperations + b.TotalOperations,
		SuccessfulOperations: a.SuccessfulOperations + b.SuccessfulOperations,
		FailedOperations:     a.FailedOperations + b.FailedOperations,
	}

	if combined.TotalOperations > 0 {
		combined.AverageLatencyMs = (a.AverageLatencyMs*float64(a.TotalOperations) +
			b.AverageLatencyMs*float64(b.TotalOperations)) / float64(combined.TotalOperations)
	}

	combined.LastOperationTime = a.LastOperationTime
	if b.LastOperationTime > combined.LastOperationTime {
		combined.LastOperationTime = b.LastOperationTime
	}

	return v1.StorageMetrics{
		OperationMetrics: combined,
		QueueDepth:       queueDepth,
	}
}
