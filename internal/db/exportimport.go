package db

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/npiesco/absurder-sql-sub002/internal/config"
	"github.com/npiesco/absurder-sql-sub002/internal/coord"
	"github.com/npiesco/absurder-sql-sub002/internal/logging"
	"github.com/npiesco/absurder-sql-sub002/internal/pool"
	"github.com/npiesco/absurder-sql-sub002/internal/storage"
)

// sqliteMagic is the 16-byte header every engine-format image starts with.
var sqliteMagic = []byte("SQLite format 3\x00")

// exportLocks serializes export/import per database across handles in this
// process. Cross-process exclusion rides on the leader lease: imports are a
// write operation and run on the leader.
var (
	exportLocksMu sync.Mutex
	exportLocks   = make(map[string]*sync.Mutex)
)

func lockExportImport(name string) func() {
	exportLocksMu.Lock()
	l, ok := exportLocks[name]
	if !ok {
		l = &sync.Mutex{}
		exportLocks[name] = l
	}
	exportLocksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// validateImage checks the engine magic header and the configured size cap.
func validateImage(data []byte, maxSize int64) error {
	if len(data) < len(sqliteMagic) || !bytes.Equal(data[:len(sqliteMagic)], sqliteMagic) {
		return fmt.Errorf("image: %w: missing engine magic header", storage.ErrInvalidParameter)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return fmt.Errorf("image is %d bytes, limit %d: %w", len(data), maxSize, storage.ErrSizeLimitExceeded)
	}
	return nil
}

// ExportToBytes produces a standards-conforming single-file image of the
// database, byte-for-byte exchangeable with the engine's standard tooling.
func (d *Database) ExportToBytes() ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, storage.ErrDatabaseClosed
	}
	d.mu.Unlock()

	unlock := lockExportImport(d.name)
	defer unlock()

	if err := d.entry.sched.Drain(); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	tmp, err := os.CreateTemp("", "absurdersql-export-*.db")
	if err != nil {
		return nil, fmt.Errorf("export: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(tmpPath)
	defer os.Remove(tmpPath)

	// The target bypasses the block VFS: the engine writes the image
	// through its default OS VFS into the temp file.
	stmt := fmt.Sprintf("VACUUM INTO 'file:%s?vfs=os'", strings.ReplaceAll(tmpPath, "'", "''"))
	if _, err := d.runLocal(stmt, nil); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("export: read image: %w", err)
	}
	if err := validateImage(data, d.cfg.MaxExportSizeBytes); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	logging.WithDB(d.name).Debug().Int("bytes", len(data)).Msg("exported image")
	return data, nil
}

// ImportFromBytes replaces the database contents with the given image: the
// pool entry is force-closed, the image is split into blocks and staged,
// metadata is swapped, caches are invalidated, and DataChanged is
// broadcast. Handles that raced the import reopen on their next operation.
func (d *Database) ImportFromBytes(data []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return storage.ErrDatabaseClosed
	}
	d.mu.Unlock()

	if err := validateImage(data, d.cfg.MaxExportSizeBytes); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	unlock := lockExportImport(d.name)
	defer unlock()

	if err := d.entry.sched.Drain(); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	if err := pool.Default.ForceClose(d.name); err != nil {
		return fmt.Errorf("import: close pool entry: %w", err)
	}

	store := d.entry.store
	if err := store.ResetForImport(); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	blockSize := int(store.BlockSize())
	writes := make([]storage.BlockWrite, 0, (len(data)+blockSize-1)/blockSize)
	for off := 0; off < len(data); off += blockSize {
		block := make([]byte, blockSize)
		copy(block, data[off:])
		writes = append(writes, storage.BlockWrite{ID: uint64(off / blockSize), Data: block})
	}
	if err := store.WriteMany(writes); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	if _, err := store.Sync(); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	if err := store.InvalidateCache(); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	if err := d.reacquireConn(); err != nil {
		return fmt.Errorf("import: reopen connection: %w", err)
	}
	if err := d.co.BroadcastDataChanged(); err != nil {
		return fmt.Errorf("import: broadcast: %w", err)
	}
	logging.WithDB(d.name).Debug().Int("blocks", len(writes)).Msg("imported image")
	return nil
}

// DeleteDatabase erases all backend records and coordination state for a
// database with no open handles in this process.
func DeleteDatabase(cfg config.Config) error {
	cfg = cfg.WithDefaults()
	name := storage.NormalizeDBName(cfg.Name)

	storesMu.Lock()
	_, open := stores[name]
	storesMu.Unlock()
	if open {
		return fmt.Errorf("delete database %s: %w: handles still open", name, storage.ErrInvalidParameter)
	}
	_ = pool.Default.ForceClose(name)

	backend, err := cfg.NewBackend()
	if err != nil {
		return err
	}
	if err := backend.Destroy(); err != nil {
		backend.Close()
		return err
	}
	if err := backend.Close(); err != nil {
		return err
	}

	// Coordination state: the leader and instances records plus every
	// heartbeat that names this database.
	var reg coord.Registry
	if cfg.Backend == config.BackendBolt {
		reg = coord.SharedMemRegistry()
	} else {
		fsReg, err := coord.NewFSRegistry(cfg.BaseDir)
		if err != nil {
			return err
		}
		reg = fsReg
	}
	_ = reg.Delete("leader_" + name)
	_ = reg.Delete("instances_" + name)
	if keys, err := reg.List("heartbeat_"); err == nil {
		for _, k := range keys {
			if strings.HasSuffix(k, "_"+name) {
				_ = reg.Delete(k)
			}
		}
	}
	return reg.Close()
}
