package writeq

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/npiesco/absurder-sql-sub002/internal/logging"
)

// PendingWrite is a locally recorded operation awaiting leader
// confirmation in optimistic mode.
type PendingWrite struct {
	RequestID string
	SQL       string
	Params    []json.RawMessage
}

// RollbackHandler is invoked when an optimistic write fails to reconcile;
// the pending record has already been rolled back when it runs.
type RollbackHandler func(w PendingWrite, err error)

// Optimistic layers local-ack semantics over a Queue: a follower records
// the operation, acknowledges the caller immediately, and reconciles in the
// background. Failures roll back the pending record and surface through the
// rollback handler.
type Optimistic struct {
	q *Queue

	mu         sync.Mutex
	enabled    bool
	pending    map[string]PendingWrite
	onRollback RollbackHandler
}

// NewOptimistic wraps a queue with optimistic-mode bookkeeping.
func NewOptimistic(q *Queue) *Optimistic {
	return &Optimistic{q: q, pending: make(map[string]PendingWrite)}
}

// SetEnabled toggles optimistic mode.
func (o *Optimistic) SetEnabled(enabled bool) {
	o.mu.Lock()
	o.enabled = enabled
	o.mu.Unlock()
}

// Enabled reports whether optimistic mode is on.
func (o *Optimistic) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enabled
}

// SetRollbackHandler installs the reconciliation-failure callback.
func (o *Optimistic) SetRollbackHandler(fn RollbackHandler) {
	o.mu.Lock()
	o.onRollback = fn
	o.mu.Unlock()
}

// PendingCount returns the number of unreconciled writes.
func (o *Optimistic) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Submit records the write locally, acknowledges immediately, and forwards
// in the background. The returned request id identifies the pending record.
func (o *Optimistic) Submit(sql string, params []json.RawMessage) string {
	w := PendingWrite{RequestID: uuid.NewString(), SQL: sql, Params: params}
	o.mu.Lock()
	o.pending[w.RequestID] = w
	o.mu.Unlock()

	go o.reconcile(w)
	return w.RequestID
}

// reconcile pushes one pending write through the queue and resolves or
// rolls back the local record based on the outcome.
func (o *Optimistic) reconcile(w PendingWrite) {
	env := Envelope{
		RequestID:    w.RequestID,
		SQL:          w.SQL,
		Params:       w.Params,
		FromInstance: o.q.co.InstanceID(),
	}
	_, err := o.q.forwardEnvelope(env, o.q.timeout)

	o.mu.Lock()
	delete(o.pending, w.RequestID)
	handler := o.onRollback
	o.mu.Unlock()

	if err == nil {
		return
	}
	logging.WithComponent("writeq").Warn().
		Err(err).
		Str("request_id", w.RequestID).
		Msg("optimistic write rolled back")
	if handler != nil {
		handler(w, err)
	}
}
