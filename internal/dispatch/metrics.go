package dispatch

import (
	"sync"
	"time"
)

// Metrics keeps rolling totals across the dispatcher's lifetime.
type Metrics struct {
	mu sync.RWMutex

	totalQueries    int64
	successful      int64
	failed          int64
	totalQueryTime  time.Duration
	totalQuerySize  int64
	totalResultSize int64
	lastError       string
	lastErrorAt     time.Time
}

// MetricsSnapshot is a point-in-time copy of the rolling totals.
type MetricsSnapshot struct {
	TotalQueries    int64         `json:"totalQueries"`
	Successful      int64         `json:"successful"`
	Failed          int64         `json:"failed"`
	TotalQueryTime  time.Duration `json:"totalQueryTime"`
	TotalQuerySize  int64         `json:"totalQuerySize"`
	TotalResultSize int64         `json:"totalResultSize"`
	LastError       string        `json:"lastError,omitempty"`
	LastErrorAt     time.Time     `json:"lastErrorAt,omitempty"`
}

func newMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) record(s Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalQueries += int64(s.Total)
	m.successful += int64(s.Succeeded)
	m.failed += int64(s.Failed)
	m.totalQueryTime += time.Duration(s.QueryTimeMs) * time.Millisecond
	m.totalQuerySize += s.QuerySize
	m.totalResultSize += s.ResultSize
}

// RecordError notes the most recent dispatcher-level error.
func (m *Metrics) RecordError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastError = err.Error()
	m.lastErrorAt = time.Now()
}

// Snapshot copies the current totals.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		TotalQueries:    m.totalQueries,
		Successful:      m.successful,
		Failed:          m.failed,
		TotalQueryTime:  m.totalQueryTime,
		TotalQuerySize:  m.totalQuerySize,
		TotalResultSize: m.totalResultSize,
		LastError:       m.lastError,
		LastErrorAt:     m.lastErrorAt,
	}
}
