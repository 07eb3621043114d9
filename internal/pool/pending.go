package pool

import (
	"time"

	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// pendingQuery binds a dispatched request id to its completion channel,
// timeout timer and owning worker. The owner is captured at registration so
// a late resolution after a crash-restart never attributes to the slot's
// replacement worker. Exactly one resolution wins: the entry is removed from
// the table before its result is delivered, and late messages for unknown
// ids are logged and dropped.
type pendingQuery struct {
	id    string
	owner *Worker
	done  chan wire.Result
	timer *time.Timer
}

// registerPending adds a pending entry for id owned by w. Registration
// happens-before the send that could produce the result.
func (m *Manager) registerPending(id string, w *Worker, timeout time.Duration) *pendingQuery {
	p := &pendingQuery{
		id:    id,
		owner: w,
		done:  make(chan wire.Result, 1),
	}
	m.mu.Lock()
	m.pending[id] = p
	m.dispatched++
	m.mu.Unlock()

	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			m.resolvePending(id, wire.Result{
				Type: wire.TypeResult,
				ID:   id,
				Err:  &wire.ResultError{Name: "TimeoutError", Message: "query timeout after " + timeout.String()},
			})
		})
	}
	return p
}

// resolvePending removes the entry for id and delivers res. Resolution is
// single-assignment: the first caller wins, later calls find no entry and
// drop their message.
func (m *Manager) resolvePending(id string, res wire.Result) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
		if res.Err != nil {
			m.failed++
			p.owner.errorCount++
		} else {
			m.successful++
			p.owner.queryCount++
		}
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug("pool: dropping result for unknown query id", "id", id)
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- res
}

// failPendingOwnedBy resolves every pending entry owned by w with the given
// error. Used for eager cancellation when a worker exits.
func (m *Manager) failPendingOwnedBy(w *Worker, werr *wire.ResultError) {
	m.mu.Lock()
	var owned []string
	for id, p := range m.pending {
		if p.owner == w {
			owned = append(owned, id)
		}
	}
	m.mu.Unlock()

	for _, id := range owned {
		m.resolvePending(id, wire.Result{Type: wire.TypeResult, ID: id, Err: werr})
	}
}

// failAllPending resolves every pending entry with the given error.
func (m *Manager) failAllPending(werr *wire.ResultError) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.resolvePending(id, wire.Result{Type: wire.TypeResult, ID: id, Err: werr})
	}
}
