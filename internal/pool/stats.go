package pool

// WorkerStats is a point-in-time snapshot of one worker slot.
type WorkerStats struct {
	Index      int   `json:"index"`
	Ready      bool  `json:"ready"`
	QueryCount int64 `json:"queryCount"`
	ErrorCount int64 `json:"errorCount"`
}

// Stats is a point-in-time snapshot of pool totals. Totals are monotonic;
// increments are never lost but snapshots across fields are not atomic with
// respect to each other.
type Stats struct {
	DispatchedQueries int64         `json:"dispatchedQueries"`
	SuccessfulQueries int64         `json:"successfulQueries"`
	FailedQueries     int64         `json:"failedQueries"`
	RestartedWorkers  int64         `json:"restartedWorkers"`
	ActiveWorkers     int           `json:"activeWorkers"`
	PendingQueries    int           `json:"pendingQueries"`
	Workers           []WorkerStats `json:"workers"`
}

// Stats returns a snapshot of pool totals and per-worker counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		DispatchedQueries: m.dispatched,
		SuccessfulQueries: m.successful,
		FailedQueries:     m.failed,
		RestartedWorkers:  m.restarted,
		PendingQueries:    len(m.pending),
	}
	for _, w := range m.workers {
		if w == nil {
			continue
		}
		if w.ready {
			s.ActiveWorkers++
		}
		s.Workers = append(s.Workers, WorkerStats{
			Index:      w.index,
			Ready:      w.ready,
			QueryCount: w.queryCount,
			ErrorCount: w.errorCount,
		})
	}
	return s
}
