package storage

import (
	"sync"
	"sync/atomic"
)

// writeMetrics tracks every DB write for the status endpoint.
type writeMetrics struct {
	totalWrites int64
	writeErrors int64
	retryCount  int64
	totalNanos  int64
	lastWriteTS int64

	mu        sync.Mutex
	lastError string
}

func (m *writeMetrics) record(nanos int64, ts int64) {
	atomic.AddInt64(&m.totalWrites, 1)
	atomic.AddInt64(&m.totalNanos, nanos)
	atomic.StoreInt64(&m.lastWriteTS, ts)
}

func (m *writeMetrics) recordError(err error) {
	atomic.AddInt64(&m.writeErrors, 1)
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
}

func (m *writeMetrics) recordRetry() {
	atomic.AddInt64(&m.retryCount, 1)
}

func (m *writeMetrics) snapshot() (total, errs, retries int64, avgMS float64, lastErr string) {
	total = atomic.LoadInt64(&m.totalWrites)
	errs = atomic.LoadInt64(&m.writeErrors)
	retries = atomic.LoadInt64(&m.retryCount)
	if total > 0 {
		avgMS = float64(atomic.LoadInt64(&m.totalNanos)) / float64(total) / 1e6
	}
	m.mu.Lock()
	lastErr = m.lastError
	m.mu.Unlock()
	return
}
