// Package pool shares one underlying SQLite connection per logical database
// name within a process. Facades hold counted references; the last release
// closes the connection, and import force-closes it regardless of count.
package pool

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/npiesco/absurder-sql-sub002/internal/logging"
	"github.com/npiesco/absurder-sql-sub002/internal/storage"
)

// Default is the process-local pool.
var Default = New()

type entry struct {
	db       *sql.DB
	refCount int
}

// Pool maps normalized database names to refcounted connections. It never
// yields two distinct connections for the same name within one process.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*entry
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{conns: make(map[string]*entry)}
}

// Acquire returns the shared connection for name, creating it with open on
// first use. Each Acquire must be paired with a Release.
func (p *Pool) Acquire(name string, open func() (*sql.DB, error)) (*sql.DB, error) {
	key := storage.NormalizeDBName(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.conns[key]; ok {
		e.refCount++
		logging.WithComponent("pool").Debug().Str("db", key).Int("refs", e.refCount).Msg("reusing connection")
		return e.db, nil
	}
	db, err := open()
	if err != nil {
		return nil, wrapOpen(key, err)
	}
	// SQLite: a single underlying connection per database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	p.conns[key] = &entry{db: db, refCount: 1}
	logging.WithComponent("pool").Debug().Str("db", key).Msg("created connection")
	return db, nil
}

// Release decrements the refcount; at zero the connection is closed and the
// entry removed.
func (p *Pool) Release(name string) error {
	key := storage.NormalizeDBName(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.conns[key]
	if !ok {
		return nil
	}
	if e.refCount > 0 {
		e.refCount--
	}
	if e.refCount > 0 {
		return nil
	}
	delete(p.conns, key)
	return e.db.Close()
}

// ForceClose closes the connection regardless of refcount. Import uses it
// to guarantee no handle sees the pre-import connection.
func (p *Pool) ForceClose(name string) error {
	key := storage.NormalizeDBName(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.conns[key]
	if !ok {
		return nil
	}
	delete(p.conns, key)
	logging.WithComponent("pool").Debug().Str("db", key).Int("refs", e.refCount).Msg("force closing connection")
	return e.db.Close()
}

// Exists reports whether a connection is pooled for name.
func (p *Pool) Exists(name string) bool {
	key := storage.NormalizeDBName(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[key]
	return ok
}

// Conn returns the pooled connection without touching the refcount, or nil.
// Tests use it to observe identity across import.
func (p *Pool) Conn(name string) *sql.DB {
	key := storage.NormalizeDBName(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.conns[key]; ok {
		return e.db
	}
	return nil
}

func wrapOpen(name string, err error) error {
	return fmt.Errorf("open database %s: %w: %v", name, storage.ErrSQL, err)
}
