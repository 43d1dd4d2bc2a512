// Package writeq forwards write operations from follower instances to the
// current leader and returns the leader's confirmation. Leaders execute
// directly; request ids make re-delivered envelopes idempotent.
package writeq

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/npiesco/absurder-sql-sub002/internal/coord"
	"github.com/npiesco/absurder-sql-sub002/internal/logging"
	"github.com/npiesco/absurder-sql-sub002/internal/storage"
)

// DefaultForwardTimeout bounds a follower's wait for leader confirmation.
const DefaultForwardTimeout = 5 * time.Second

// executedCacheLimit bounds the leader's idempotency window.
const executedCacheLimit = 1024

// Envelope is a forwarded write operation.
type Envelope struct {
	RequestID    string            `json:"request_id"`
	SQL          string            `json:"sql"`
	Params       []json.RawMessage `json:"params,omitempty"`
	FromInstance string            `json:"from_instance"`
}

// Response is the leader's confirmation for one envelope.
type Response struct {
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Err       string          `json:"error,omitempty"`
}

// Executor runs a forwarded write on the leader and returns the serialized
// result handed back to the originator.
type Executor func(env Envelope) (json.RawMessage, error)

// Queue is one instance's view of the write-forwarding protocol.
type Queue struct {
	db      string
	co      *coord.Coordinator
	timeout time.Duration

	mu            sync.Mutex
	waiters       map[string]chan Response
	executed      map[string]Response
	executedOrder []string
	exec          Executor
	unsubscribe   func()
	closed        bool
}

// New creates a queue bound to the coordinator's channel.
func New(db string, co *coord.Coordinator, timeout time.Duration) *Queue {
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	return &Queue{
		db:       storage.NormalizeDBName(db),
		co:       co,
		timeout:  timeout,
		waiters:  make(map[string]chan Response),
		executed: make(map[string]Response),
	}
}

// SetExecutor installs the function that runs envelopes when this instance
// is leader.
func (q *Queue) SetExecutor(fn Executor) {
	q.mu.Lock()
	q.exec = fn
	q.mu.Unlock()
}

// Start subscribes to the coordinator's channel.
func (q *Queue) Start() {
	q.unsubscribe = q.co.Channel().Subscribe(q.onMessage)
}

// Forward sends a write envelope to the current leader and waits for its
// confirmation. Timing out returns ErrWriteForwardTimeout; the leader may
// or may not have executed the write. Each call mints a new request id, so
// the leader's deduplication covers re-deliveries of one envelope, not a
// second call to Forward.
func (q *Queue) Forward(sql string, params []json.RawMessage) (json.RawMessage, error) {
	return q.ForwardWithTimeout(sql, params, q.timeout)
}

// ForwardWithTimeout is Forward with a per-call timeout.
func (q *Queue) ForwardWithTimeout(sql string, params []json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	env := Envelope{
		RequestID:    uuid.NewString(),
		SQL:          sql,
		Params:       params,
		FromInstance: q.co.InstanceID(),
	}
	return q.forwardEnvelope(env, timeout)
}

func (q *Queue) forwardEnvelope(env Envelope, timeout time.Duration) (json.RawMessage, error) {
	ch := make(chan Response, 1)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, storage.ErrDatabaseClosed
	}
	q.waiters[env.RequestID] = ch
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.waiters, env.RequestID)
		q.mu.Unlock()
	}()

	msg, err := coord.NewMessage(coord.KindWriteRequest, q.db, q.co.InstanceID(), env)
	if err != nil {
		return nil, fmt.Errorf("encode write envelope: %w", err)
	}
	if err := q.co.Channel().Publish(msg); err != nil {
		return nil, fmt.Errorf("publish write envelope: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Err != "" {
			return nil, fmt.Errorf("%w: %s", storage.ErrSQL, resp.Err)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("forward %q: %w after %s", truncateSQL(env.SQL), storage.ErrWriteForwardTimeout, timeout)
	}
}

// onMessage consumes envelopes when leading and responses when waiting.
func (q *Queue) onMessage(msg coord.Message) {
	if msg.DB != q.db {
		return
	}
	switch msg.Kind {
	case coord.KindWriteRequest:
		q.handleRequest(msg)
	case coord.KindWriteResponse:
		q.handleResponse(msg)
	}
}

func (q *Queue) handleRequest(msg coord.Message) {
	if !q.co.IsLeader() {
		return
	}
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return
	}

	q.mu.Lock()
	exec := q.exec
	if resp, done := q.executed[env.RequestID]; done {
		q.mu.Unlock()
		q.publishResponse(resp)
		return
	}
	q.mu.Unlock()
	if exec == nil {
		return
	}

	result, err := exec(env)
	resp := Response{RequestID: env.RequestID, Result: result}
	if err != nil {
		resp.Err = err.Error()
	}

	q.mu.Lock()
	q.executed[env.RequestID] = resp
	q.executedOrder = append(q.executedOrder, env.RequestID)
	if len(q.executedOrder) > executedCacheLimit {
		oldest := q.executedOrder[0]
		q.executedOrder = q.executedOrder[1:]
		delete(q.executed, oldest)
	}
	q.mu.Unlock()

	q.publishResponse(resp)
}

func (q *Queue) publishResponse(resp Response) {
	msg, err := coord.NewMessage(coord.KindWriteResponse, q.db, q.co.InstanceID(), resp)
	if err != nil {
		logging.WithComponent("writeq").Warn().Err(err).Msg("encode response failed")
		return
	}
	if err := q.co.Channel().Publish(msg); err != nil {
		logging.WithComponent("writeq").Warn().Err(err).Msg("publish response failed")
	}
}

func (q *Queue) handleResponse(msg coord.Message) {
	var resp Response
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	q.mu.Lock()
	ch, ok := q.waiters[resp.RequestID]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Close stops consuming channel messages.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	if q.unsubscribe != nil {
		q.unsubscribe()
	}
}

func truncateSQL(sql string) string {
	const max = 80
	if len(sql) <= max {
		return sql
	}
	return sql[:max] + "..."
}
