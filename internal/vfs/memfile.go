package vfs

import (
	"io"
	"sync"

	sqlitevfs "github.com/ncruces/go-sqlite3/vfs"
)

// memFile backs journals and temp databases. With journal_mode=memory the
// engine rarely opens one, but temp tables and statement journals still can.
type memFile struct {
	vfs  *blockVFS
	name string

	mu            sync.Mutex
	data          []byte
	deleteOnClose bool
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if need := off + int64(len(p)); need > int64(len(f.data)) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	return copy(f.data[off:], p), nil
}

func (f *memFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size < int64(len(f.data)) {
		f.data = f.data[:size]
	}
	return nil
}

func (f *memFile) Sync(flag sqlitevfs.SyncFlag) error { return nil }

func (f *memFile) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (f *memFile) Lock(lock sqlitevfs.LockLevel) error   { return nil }
func (f *memFile) Unlock(lock sqlitevfs.LockLevel) error { return nil }
func (f *memFile) CheckReservedLock() (bool, error)      { return false, nil }
func (f *memFile) SectorSize() int                       { return 512 }

func (f *memFile) DeviceCharacteristics() sqlitevfs.DeviceCharacteristic {
	return sqlitevfs.IOCAP_ATOMIC | sqlitevfs.IOCAP_SAFE_APPEND | sqlitevfs.IOCAP_SEQUENTIAL
}

func (f *memFile) Close() error {
	if f.deleteOnClose && f.name != "" {
		f.vfs.mu.Lock()
		delete(f.vfs.files, f.name)
		f.vfs.mu.Unlock()
	}
	return nil
}
