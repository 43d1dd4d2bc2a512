// Package db is the public facade: it binds a SQLite connection to the
// block VFS and routes operations through the coordinator and write queue.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/npiesco/absurder-sql-sub002/internal/config"
	"github.com/npiesco/absurder-sql-sub002/internal/coord"
	"github.com/npiesco/absurder-sql-sub002/internal/logging"
	"github.com/npiesco/absurder-sql-sub002/internal/pool"
	"github.com/npiesco/absurder-sql-sub002/internal/storage"
	"github.com/npiesco/absurder-sql-sub002/internal/vfs"
	"github.com/npiesco/absurder-sql-sub002/internal/writeq"
)

// Database is one opener's handle on a logical database. Multiple handles
// in a process share the native connection and block store; handles across
// processes coordinate through the leader lease.
type Database struct {
	cfg   config.Config
	name  string
	entry *storeEntry
	co    *coord.Coordinator
	queue *writeq.Queue
	opt   *writeq.Optimistic

	mu                   sync.Mutex
	conn                 *sql.DB
	tx                   *sql.Tx
	txHadDDL             bool
	closed               bool
	allowNonLeaderWrites bool
}

// Open opens (or creates) the database described by cfg and joins its
// coordination group.
func Open(cfg config.Config) (*Database, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := storage.NormalizeDBName(cfg.Name)

	entry, err := acquireStore(cfg)
	if err != nil {
		return nil, err
	}

	d := &Database{cfg: cfg, name: name, entry: entry}

	conn, err := pool.Default.Acquire(name, d.openConn)
	if err != nil {
		_ = releaseStore(name)
		return nil, err
	}
	d.conn = conn

	d.co = coord.New(name, entry.registry, entry.channel, coord.Options{
		LeaseDuration:     cfg.LeaseDuration,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	d.queue = writeq.New(name, d.co, cfg.WriteForwardTimeout)
	d.queue.SetExecutor(d.executeForwarded)
	d.opt = writeq.NewOptimistic(d.queue)
	d.opt.SetEnabled(cfg.Optimistic)
	d.allowNonLeaderWrites = cfg.AllowNonLeaderWrites

	d.co.Bus().Register(coord.HandlerFunc{
		HandlerID: "follower-refresh-" + d.co.InstanceID(),
		Types:     []coord.NotificationType{coord.NotifyDataChanged},
		Fn:        d.onDataChanged,
	})
	if err := d.co.Start(); err != nil {
		_ = pool.Default.Release(name)
		_ = releaseStore(name)
		return nil, err
	}
	d.queue.Start()
	entry.addHook(d.co.InstanceID(), syncedHook{
		isLeader:  d.co.IsLeader,
		broadcast: func() { _ = d.co.BroadcastDataChanged() },
	})

	logging.WithDB(name).Debug().Str("instance", d.co.InstanceID()).Msg("database opened")
	return d, nil
}

// openConn opens the pooled native connection through the block VFS.
func (d *Database) openConn() (*sql.DB, error) {
	return sql.Open("sqlite3", d.dsn())
}

func (d *Database) dsn() string {
	var b strings.Builder
	fmt.Fprintf(&b, "file:%s?vfs=%s", d.name, vfs.VFSName)
	fmt.Fprintf(&b, "&_pragma=journal_mode(%s)", d.cfg.JournalMode)
	if d.cfg.PageSize > 0 {
		fmt.Fprintf(&b, "&_pragma=page_size(%d)", d.cfg.PageSize)
	}
	if d.cfg.AutoVacuum != "" {
		fmt.Fprintf(&b, "&_pragma=auto_vacuum(%s)", d.cfg.AutoVacuum)
	}
	b.WriteString("&_pragma=busy_timeout(5000)")
	return b.String()
}

// Name returns the normalized database name.
func (d *Database) Name() string { return d.name }

// InstanceID returns this handle's coordination identity.
func (d *Database) InstanceID() string { return d.co.InstanceID() }

// IsLeader reports whether this handle holds the leader lease.
func (d *Database) IsLeader() bool { return d.co.IsLeader() }

// RequestLeadership triggers a contested election; the previous leader
// demotes on observing the higher epoch.
func (d *Database) RequestLeadership() error { return d.co.RequestLeadership() }

// EnableOptimistic toggles optimistic follower writes.
func (d *Database) EnableOptimistic(enabled bool) { d.opt.SetEnabled(enabled) }

// SetRollbackHandler installs the optimistic reconciliation-failure callback.
func (d *Database) SetRollbackHandler(fn writeq.RollbackHandler) { d.opt.SetRollbackHandler(fn) }

// AllowNonLeaderWrites lets this handle write locally while following;
// conflicts resolve last-writer-wins at the cache level.
func (d *Database) AllowNonLeaderWrites(allow bool) {
	d.mu.Lock()
	d.allowNonLeaderWrites = allow
	d.mu.Unlock()
}

// PendingWrites returns the count of unreconciled optimistic writes.
func (d *Database) PendingWrites() int { return d.opt.PendingCount() }

// RecoveryReport returns the report from this process's open-time recovery.
func (d *Database) RecoveryReport() *storage.RecoveryReport { return d.entry.store.RecoveryReport() }

// StorageInfo returns a snapshot of the block store.
func (d *Database) StorageInfo() storage.BlockStorageInfo { return d.entry.store.Info() }

// Execute runs a statement and returns its result. Reads run locally.
// Writes run locally on the leader and are forwarded from followers unless
// non-leader writes are allowed.
func (d *Database) Execute(sqlStr string) (*QueryResult, error) {
	return d.ExecuteWithParams(sqlStr, nil)
}

// ExecuteWithParams is Execute with SQL-layer parameter substitution.
func (d *Database) ExecuteWithParams(sqlStr string, params []interface{}) (*QueryResult, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, storage.ErrDatabaseClosed
	}
	inTx := d.tx != nil
	allowLocal := d.allowNonLeaderWrites
	d.mu.Unlock()

	if isReadOnly(sqlStr) {
		return d.runLocal(sqlStr, params)
	}
	if d.entry.sched.Fatal() {
		return nil, fmt.Errorf("execute: flush failures exceeded limit: %w", storage.ErrDatabaseClosed)
	}
	if inTx || d.co.IsLeader() || allowLocal {
		res, err := d.runLocal(sqlStr, params)
		if err != nil {
			return nil, err
		}
		d.afterWrite(sqlStr, inTx)
		return res, nil
	}
	if d.opt.Enabled() {
		raw, err := marshalParams(params)
		if err != nil {
			return nil, err
		}
		d.opt.Submit(sqlStr, raw)
		return &QueryResult{}, nil
	}
	return d.forward(sqlStr, params)
}

// afterWrite broadcasts SchemaChanged for DDL outside a transaction; DDL
// inside a transaction broadcasts at commit.
func (d *Database) afterWrite(sqlStr string, inTx bool) {
	if !isDDL(sqlStr) {
		return
	}
	if inTx {
		d.mu.Lock()
		d.txHadDDL = true
		d.mu.Unlock()
		return
	}
	_ = d.co.BroadcastSchemaChanged()
}

// forward ships the statement to the leader and decodes its confirmation.
func (d *Database) forward(sqlStr string, params []interface{}) (*QueryResult, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	result, err := d.queue.Forward(sqlStr, raw)
	if err != nil {
		return nil, err
	}
	var res QueryResult
	if len(result) > 0 {
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("decode forwarded result: %w", err)
		}
	}
	return &res, nil
}

// executeForwarded runs an envelope on the leader and serializes the result.
func (d *Database) executeForwarded(env writeq.Envelope) (json.RawMessage, error) {
	params, err := unmarshalParams(env.Params)
	if err != nil {
		return nil, err
	}
	res, err := d.runLocal(env.SQL, params)
	if err != nil {
		return nil, err
	}
	d.afterWrite(env.SQL, false)
	return json.Marshal(res)
}

// Query runs a read-only statement and returns its rows.
func (d *Database) Query(sqlStr string) ([][]interface{}, error) {
	res, err := d.Execute(sqlStr)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// runLocal executes against the pooled connection (or the active
// transaction), reacquiring the connection once if an import force-closed
// it.
func (d *Database) runLocal(sqlStr string, params []interface{}) (*QueryResult, error) {
	res, err := d.runLocalOnce(sqlStr, params)
	if err != nil && isConnClosed(err) {
		if rerr := d.reacquireConn(); rerr != nil {
			return nil, rerr
		}
		return d.runLocalOnce(sqlStr, params)
	}
	return res, err
}

func (d *Database) runLocalOnce(sqlStr string, params []interface{}) (*QueryResult, error) {
	start := time.Now()
	d.mu.Lock()
	tx := d.tx
	conn := d.conn
	d.mu.Unlock()

	res := &QueryResult{}
	if isReadOnly(sqlStr) {
		var rows *sql.Rows
		var err error
		if tx != nil {
			rows, err = tx.Query(sqlStr, params...)
		} else {
			rows, err = conn.Query(sqlStr, params...)
		}
		if err != nil {
			return nil, wrapSQL(sqlStr, err)
		}
		defer func() { _ = rows.Close() }()
		res.Columns, err = rows.Columns()
		if err != nil {
			return nil, wrapSQL(sqlStr, err)
		}
		for rows.Next() {
			vals := make([]interface{}, len(res.Columns))
			ptrs := make([]interface{}, len(vals))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, wrapSQL(sqlStr, err)
			}
			for i, v := range vals {
				if b, ok := v.([]byte); ok {
					vals[i] = string(b)
				}
			}
			res.Rows = append(res.Rows, vals)
		}
		if err := rows.Err(); err != nil {
			return nil, wrapSQL(sqlStr, err)
		}
	} else {
		var r sql.Result
		var err error
		if tx != nil {
			r, err = tx.Exec(sqlStr, params...)
		} else {
			r, err = conn.Exec(sqlStr, params...)
		}
		if err != nil {
			return nil, wrapSQL(sqlStr, err)
		}
		if n, err := r.RowsAffected(); err == nil {
			res.Affected = n
		}
		if id, err := r.LastInsertId(); err == nil {
			res.LastInsertID = id
		}
	}
	res.ElapsedMS = time.Since(start).Milliseconds()
	return res, nil
}

// reacquireConn re-opens the pooled connection after an import invalidated
// it.
func (d *Database) reacquireConn() error {
	conn, err := pool.Default.Acquire(d.name, d.openConn)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	return nil
}

// Begin starts a transaction. While it is active the scheduler defers every
// flush; the deferred flush runs at most once, at commit.
func (d *Database) Begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return storage.ErrDatabaseClosed
	}
	if d.tx != nil {
		return fmt.Errorf("begin: %w: transaction already active", storage.ErrInvalidParameter)
	}
	if !d.co.IsLeader() && !d.allowNonLeaderWrites {
		return fmt.Errorf("begin: %w: not leader", storage.ErrLeaderChanged)
	}
	tx, err := d.conn.Begin()
	if err != nil {
		return wrapSQL("BEGIN", err)
	}
	d.tx = tx
	d.txHadDDL = false
	d.entry.sched.BeginTx()
	return nil
}

// Commit commits the active transaction and releases the flush deferral.
func (d *Database) Commit() error {
	d.mu.Lock()
	tx := d.tx
	hadDDL := d.txHadDDL
	d.tx = nil
	d.txHadDDL = false
	d.mu.Unlock()
	if tx == nil {
		return fmt.Errorf("commit: %w: no active transaction", storage.ErrInvalidParameter)
	}
	if err := tx.Commit(); err != nil {
		_ = d.entry.sched.EndTx(false)
		return wrapSQL("COMMIT", err)
	}
	if err := d.entry.sched.EndTx(true); err != nil {
		return err
	}
	if hadDDL {
		_ = d.co.BroadcastSchemaChanged()
	}
	return nil
}

// Rollback aborts the active transaction; no deferred flush runs.
func (d *Database) Rollback() error {
	d.mu.Lock()
	tx := d.tx
	d.tx = nil
	d.txHadDDL = false
	d.mu.Unlock()
	if tx == nil {
		return fmt.Errorf("rollback: %w: no active transaction", storage.ErrInvalidParameter)
	}
	err := tx.Rollback()
	_ = d.entry.sched.EndTx(false)
	if err != nil {
		return wrapSQL("ROLLBACK", err)
	}
	return nil
}

// CreateIndex creates an index with a deterministic name derived from the
// table and column list.
func (d *Database) CreateIndex(table, columnsCSV string) (*QueryResult, error) {
	cols := strings.Split(columnsCSV, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	name := "idx_" + table + "_" + strings.Join(cols, "_")
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, strings.Join(cols, ", "))
	return d.Execute(stmt)
}

// Sync drains the scheduler: one synchronous flush of the dirty snapshot.
func (d *Database) Sync() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return storage.ErrDatabaseClosed
	}
	d.mu.Unlock()
	return d.entry.sched.Drain()
}

// onDataChanged refreshes a follower's view: the cached blocks and their
// in-memory checksums are discarded so the next read re-fetches and
// re-verifies against the authoritative metadata. Leaders (and handles with
// unsynced local writes) keep their view.
func (d *Database) onDataChanged(ctx context.Context, n coord.Notification) error {
	if n.DBName != d.name || d.co.IsLeader() {
		return nil
	}
	if d.entry.store.DirtyCount() > 0 {
		return nil
	}
	if err := d.entry.store.InvalidateCache(); err != nil {
		return err
	}
	d.co.IncFollowerRefreshes()
	return nil
}

// Metrics returns the handle's observable counters.
func (d *Database) Metrics() Metrics {
	sm := d.entry.sched.Metrics()
	cm := d.co.Metrics()
	return Metrics{
		SyncCount:                sm.SyncCount,
		TimerSyncCount:           sm.TimerSyncCount,
		DebounceSyncCount:        sm.DebounceSyncCount,
		ThresholdSyncCount:       sm.ThresholdSyncCount,
		LastSyncDurationMS:       sm.LastSyncDurationMS,
		LastFlushBytes:           sm.LastFlushBytes,
		SyncErrors:               sm.Errors,
		ChecksumFailures:         sm.ChecksumFailures,
		LeadershipChanges:        cm.LeadershipChanges,
		WriteConflicts:           cm.WriteConflicts,
		FollowerRefreshes:        cm.FollowerRefreshes,
		AvgNotificationLatencyMS: cm.AvgNotificationLatencyMS,
		PendingWrites:            d.opt.PendingCount(),
		IsLeader:                 d.co.IsLeader(),
	}
}

// Close releases this handle: the pool reference is dropped, and the last
// handle in the process drains the scheduler, stops coordination, and
// closes the native connection.
func (d *Database) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	tx := d.tx
	d.tx = nil
	d.mu.Unlock()

	if tx != nil {
		_ = tx.Rollback()
		_ = d.entry.sched.EndTx(false)
	}

	var firstErr error
	if err := d.entry.sched.Drain(); err != nil && !errors.Is(err, storage.ErrDatabaseClosed) {
		firstErr = err
	}
	d.entry.removeHook(d.co.InstanceID())
	d.queue.Close()
	if err := d.co.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := pool.Default.Release(d.name); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := releaseStore(d.name); err != nil && firstErr == nil {
		firstErr = err
	}
	logging.WithDB(d.name).Debug().Msg("database closed")
	return firstErr
}

func marshalParams(params []interface{}) ([]json.RawMessage, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(params))
	for i, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode param %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}

func unmarshalParams(raw []json.RawMessage) ([]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]interface{}, len(raw))
	for i, r := range raw {
		var v interface{}
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("decode param %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func wrapSQL(sqlStr string, err error) error {
	return fmt.Errorf("%w: %v (statement: %s)", storage.ErrSQL, err, truncateForError(sqlStr))
}

func truncateForError(sqlStr string) string {
	const max = 120
	if len(sqlStr) <= max {
		return sqlStr
	}
	return sqlStr[:max] + "..."
}

func isConnClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is closed")
}
