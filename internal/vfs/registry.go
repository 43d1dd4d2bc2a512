// Package vfs presents a page-oriented file abstraction over the block
// cache to the SQLite core, registered through ncruces/go-sqlite3's pure-Go
// VFS layer.
package vfs

import (
	"sync"

	"github.com/npiesco/absurder-sql-sub002/internal/storage"
)

// VFSName is the name the shim registers under; connections select it with
// a "vfs=" URI parameter.
const VFSName = "absurdersql"

// Entry binds a registered database name to its block storage and the
// scheduler that owns its flushes.
type Entry struct {
	Storage   *storage.BlockStorage
	Scheduler *storage.AutoSyncScheduler
}

var (
	regMu    sync.RWMutex
	registry = make(map[string]*Entry)
)

// RegisterDatabase makes a block store reachable by the SQLite core under
// the normalized database name.
func RegisterDatabase(name string, e *Entry) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[storage.NormalizeDBName(name)] = e
}

// UnregisterDatabase removes a database from the shim's registry.
func UnregisterDatabase(name string) {
	regMu.Lock()
	defer regMu.Unlock()
	delete(registry, storage.NormalizeDBName(name))
}

// lookup resolves a SQLite filename to a registered entry.
func lookup(name string) (*Entry, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	e, ok := registry[storage.NormalizeDBName(name)]
	return e, ok
}
