package v1

// OperationMetrics is a snapshot of one metrics collector: operation counts,
// a cumulative running-average latency (not windowed), and the wall-clock
// time of the most recent completion.
type OperationMetrics struct {
	TotalOperations      int64   `json:"totalOperations"`
	SuccessfulOperations int64   `json:"successfulOperations"`
	FailedOperations     int64   `json:"failedOperations"`
	AverageLatencyMs     float64 `json:"averageLatencyMs"`
	LastOperationTime    int64   `json:"lastOperationTime,omitempty"` // Unix milliseconds
}

// StorageMetrics combines executor-level and queue-level counters with the
// instantaneous write-queue depth.
type StorageMetrics struct {
	OperationMetrics
	QueueDepth int `json:"queueDepth"`
}
