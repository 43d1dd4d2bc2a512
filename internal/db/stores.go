package db

import (
	"fmt"
	"sync"

	"github.com/npiesco/absurder-sql-sub002/internal/config"
	"github.com/npiesco/absurder-sql-sub002/internal/coord"
	"github.com/npiesco/absurder-sql-sub002/internal/storage"
	"github.com/npiesco/absurder-sql-sub002/internal/vfs"
)

// syncedHook lets the shared scheduler notify whichever handle currently
// leads; only one DataChanged broadcast goes out per sync.
type syncedHook struct {
	isLeader  func() bool
	broadcast func()
}

// storeEntry is the process-wide state for one logical database: the block
// store, its scheduler, and the coordination substrate, shared by every
// handle opened in this process. The cache and dirty set are owned by a
// single process; multi-process openers serialize through the coordinator.
type storeEntry struct {
	name     string
	store    *storage.BlockStorage
	sched    *storage.AutoSyncScheduler
	registry coord.Registry
	channel  coord.Channel
	ownsChan bool

	mu       sync.Mutex
	hooks    map[string]syncedHook
	refCount int
}

var (
	storesMu sync.Mutex
	stores   = make(map[string]*storeEntry)
)

// acquireStore returns the shared store for the configured database,
// creating it (and running recovery) on first open in this process. The
// first opener's sync policy and cache configuration win.
func acquireStore(cfg config.Config) (*storeEntry, error) {
	name := storage.NormalizeDBName(cfg.Name)
	storesMu.Lock()
	defer storesMu.Unlock()
	if e, ok := stores[name]; ok {
		e.mu.Lock()
		e.refCount++
		e.mu.Unlock()
		return e, nil
	}

	backend, err := cfg.NewBackend()
	if err != nil {
		return nil, err
	}
	store, err := storage.NewBlockStorage(name, backend, cfg.StorageOptions())
	if err != nil {
		backend.Close()
		return nil, err
	}
	sched := storage.NewAutoSyncScheduler(store, cfg.SyncPolicy)

	var registry coord.Registry
	var channel coord.Channel
	ownsChan := false
	switch cfg.Backend {
	case config.BackendBolt:
		// The object store's file lock keeps it single-process; coordination
		// is process-local.
		registry = coord.SharedMemRegistry()
		channel = coord.SharedMemChannel(name)
	default:
		fsReg, err := coord.NewFSRegistry(cfg.BaseDir)
		if err != nil {
			store.Close()
			return nil, err
		}
		fsChan, err := coord.NewFSChannel(fsReg.Dir(), name)
		if err != nil {
			store.Close()
			return nil, err
		}
		registry = fsReg
		channel = fsChan
		ownsChan = true
	}

	e := &storeEntry{
		name:     name,
		store:    store,
		sched:    sched,
		registry: registry,
		channel:  channel,
		ownsChan: ownsChan,
		hooks:    make(map[string]syncedHook),
		refCount: 1,
	}
	sched.SetOnSynced(func(storage.FlushStats) { e.notifySynced() })
	sched.Start()
	vfs.RegisterDatabase(name, &vfs.Entry{Storage: store, Scheduler: sched})
	stores[name] = e
	return e, nil
}

// notifySynced broadcasts DataChanged through the leading handle, falling
// back to any handle when none currently leads.
func (e *storeEntry) notifySynced() {
	e.mu.Lock()
	var fallback func()
	var broadcast func()
	for _, h := range e.hooks {
		if fallback == nil {
			fallback = h.broadcast
		}
		if h.isLeader() {
			broadcast = h.broadcast
			break
		}
	}
	e.mu.Unlock()
	if broadcast == nil {
		broadcast = fallback
	}
	if broadcast != nil {
		broadcast()
	}
}

func (e *storeEntry) addHook(id string, h syncedHook) {
	e.mu.Lock()
	e.hooks[id] = h
	e.mu.Unlock()
}

func (e *storeEntry) removeHook(id string) {
	e.mu.Lock()
	delete(e.hooks, id)
	e.mu.Unlock()
}

// releaseStore drops one reference; the last reference tears the shared
// state down. The scheduler must already be drained by the caller.
func releaseStore(name string) error {
	name = storage.NormalizeDBName(name)
	storesMu.Lock()
	defer storesMu.Unlock()
	e, ok := stores[name]
	if !ok {
		return nil
	}
	e.mu.Lock()
	e.refCount--
	last := e.refCount <= 0
	e.mu.Unlock()
	if !last {
		return nil
	}
	delete(stores, name)
	vfs.UnregisterDatabase(name)
	var firstErr error
	if err := e.sched.DrainAndShutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.ownsChan {
		if err := e.channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("release store %s: %w", name, firstErr)
	}
	return nil
}
