package storage

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBlockSize is the fixed unit of persistence.
	DefaultBlockSize = 4096

	// DefaultCacheCapacity bounds the in-memory block cache.
	DefaultCacheCapacity = 1024

	// maxInflightBackendWrites bounds concurrent backend transfers during a
	// flush, keeping object-store contention in check.
	maxInflightBackendWrites = 6
)

// DirtyNotifier is invoked after a write changes the dirty set. It runs
// outside the cache lock, so implementations may call back into the cache.
type DirtyNotifier func(dirtyCount int, dirtyBytes int64)

// Options configures a BlockStorage instance.
type Options struct {
	BlockSize     uint32
	CacheCapacity int
	Algorithm     ChecksumAlgorithm
	// VerifyBeforeWrite enables the pre-write staleness check: a write is
	// refused when the cached copy already disagrees with its metadata.
	VerifyBeforeWrite bool
	Recovery          RecoveryOptions
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		BlockSize:     DefaultBlockSize,
		CacheCapacity: DefaultCacheCapacity,
		Algorithm:     AlgorithmFromEnv(),
		Recovery:      DefaultRecoveryOptions(),
	}
}

// BlockStorage is the in-memory block cache over a persistence backend:
// an LRU-ordered map of block id to bytes with dirty tracking, checksummed
// metadata, a freelist for id reuse, and the durable-write protocol.
//
// One exclusive lock guards every operation; batch operations take it once.
// The VFS layer never holds it across SQLite callbacks.
type BlockStorage struct {
	mu sync.Mutex

	name      string
	backend   Backend
	blockSize uint32
	capacity  int
	algo      ChecksumAlgorithm

	cache          map[uint64][]byte
	lru            *lruIndex
	dirty          map[uint64]struct{}
	meta           *MetadataState
	freelist       []uint64
	pendingDeletes map[uint64]struct{}

	verifyBeforeWrite bool
	closed            bool

	notifier DirtyNotifier
	report   *RecoveryReport
}

// NewBlockStorage opens (or creates) the block store for name on backend,
// running open-time recovery before any operation is served.
func NewBlockStorage(name string, backend Backend, opts Options) (*BlockStorage, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = DefaultCacheCapacity
	}
	if !opts.Algorithm.Valid() {
		opts.Algorithm = AlgoFastHash
	}
	s := &BlockStorage{
		name:              NormalizeDBName(name),
		backend:           backend,
		blockSize:         opts.BlockSize,
		capacity:          opts.CacheCapacity,
		algo:              opts.Algorithm,
		cache:             make(map[uint64][]byte),
		lru:               newLRUIndex(),
		dirty:             make(map[uint64]struct{}),
		pendingDeletes:    make(map[uint64]struct{}),
		verifyBeforeWrite: opts.VerifyBeforeWrite,
	}
	report, meta, err := runRecovery(backend, opts.Recovery, opts.BlockSize)
	if err != nil {
		return nil, err
	}
	s.meta = meta
	s.report = report
	if s.meta.BlockSize != 0 {
		s.blockSize = s.meta.BlockSize
	} else {
		s.meta.BlockSize = s.blockSize
	}
	s.rebuildFreelist()
	return s, nil
}

// rebuildFreelist derives the freelist from the allocation set: every id
// below the high-water mark that is not allocated is reusable.
func (s *BlockStorage) rebuildFreelist() {
	s.freelist = s.freelist[:0]
	for id := uint64(0); id < s.meta.NextID; id++ {
		if _, ok := s.meta.Allocated[id]; !ok {
			s.freelist = append(s.freelist, id)
		}
	}
}

// Name returns the normalized database name.
func (s *BlockStorage) Name() string { return s.name }

// BlockSize returns the fixed block size in bytes.
func (s *BlockStorage) BlockSize() uint32 { return s.blockSize }

// RecoveryReport returns the report emitted by open-time recovery.
func (s *BlockStorage) RecoveryReport() *RecoveryReport { return s.report }

// SetDirtyNotifier installs the scheduler callback fired after each write.
func (s *BlockStorage) SetDirtyNotifier(fn DirtyNotifier) {
	s.mu.Lock()
	s.notifier = fn
	s.mu.Unlock()
}

// Allocate reserves a block id, reusing a deallocated id before extending
// the id space. No metadata entry is created until first write.
func (s *BlockStorage) Allocate() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrDatabaseClosed
	}
	var id uint64
	if n := len(s.freelist); n > 0 {
		id = s.freelist[n-1]
		s.freelist = s.freelist[:n-1]
	} else {
		id = s.meta.NextID
		s.meta.NextID++
	}
	if _, ok := s.meta.Allocated[id]; ok {
		return 0, fmt.Errorf("allocate block %d: %w: already allocated", id, ErrInvalidParameter)
	}
	s.meta.Allocated[id] = struct{}{}
	return id, nil
}

// Deallocate returns a block id to the freelist, removing its cached bytes,
// dirty mark, and metadata entry. The backend record is removed on the next
// sync.
func (s *BlockStorage) Deallocate(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDatabaseClosed
	}
	return s.deallocateLocked(id)
}

func (s *BlockStorage) deallocateLocked(id uint64) error {
	if _, ok := s.meta.Allocated[id]; !ok {
		return wrapErrf(ErrNotFound, "deallocate block %d", id)
	}
	delete(s.meta.Allocated, id)
	delete(s.meta.Entries, id)
	delete(s.cache, id)
	delete(s.dirty, id)
	s.lru.remove(id)
	s.freelist = append(s.freelist, id)
	s.pendingDeletes[id] = struct{}{}
	return nil
}

// Read returns a copy of the block's bytes. Cached blocks are promoted to
// most recently used and verified before return; misses are fetched from the
// backend, verified, and inserted (possibly evicting a clean LRU entry).
// An allocated block with no backend record reads as zeros.
func (s *BlockStorage) Read(id uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDatabaseClosed
	}
	return s.readLocked(id)
}

// ReadMany is the batched equivalent of Read; it takes the lock once.
func (s *BlockStorage) ReadMany(ids []uint64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDatabaseClosed
	}
	out := make([][]byte, len(ids))
	for i, id := range ids {
		data, err := s.readLocked(id)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func (s *BlockStorage) readLocked(id uint64) ([]byte, error) {
	if _, ok := s.meta.Allocated[id]; !ok {
		return nil, wrapErrf(ErrNotFound, "read block %d", id)
	}
	if data, ok := s.cache[id]; ok {
		if entry, ok := s.meta.Entries[id]; ok {
			if err := VerifyChecksum(data, entry.Algo, entry.Checksum); err != nil {
				s.invalidateLocked(id)
				return nil, wrapErrf(err, "read block %d", id)
			}
		}
		s.lru.touch(id)
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	entry, hasEntry := s.meta.Entries[id]
	data, err := s.backend.GetBlock(id)
	if err != nil {
		return nil, wrapErrf(err, "read block %d", id)
	}
	if data == nil {
		// Cold block: allocated but never synced. Reads as zeros and is not
		// inserted into the cache, so a later backend record is not shadowed.
		if hasEntry {
			// A metadata entry with no backing record survived recovery only
			// if the record vanished afterwards.
			return nil, wrapErrf(ErrCorrupted, "read block %d: record missing", id)
		}
		return make([]byte, s.blockSize), nil
	}
	if uint32(len(data)) != s.blockSize {
		return nil, fmt.Errorf("read block %d: %w: record is %d bytes, want %d", id, ErrCorrupted, len(data), s.blockSize)
	}
	if hasEntry {
		if err := VerifyChecksum(data, entry.Algo, entry.Checksum); err != nil {
			return nil, wrapErrf(err, "read block %d", id)
		}
	}
	s.insertLocked(id, data)
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write replaces the block's bytes, marks it dirty, and updates its metadata
// entry (new checksum, version+1, now). data must be exactly the block size.
// The id is allocated on first write when not already in the allocation set.
func (s *BlockStorage) Write(id uint64, data []byte) error {
	return s.WriteMany([]BlockWrite{{ID: id, Data: data}})
}

// BlockWrite pairs a block id with its replacement bytes.
type BlockWrite struct {
	ID   uint64
	Data []byte
}

// WriteMany applies a batch of writes atomically with respect to cache
// mutation: the lock is taken once, and validation of every write happens
// before the first mutation.
func (s *BlockStorage) WriteMany(writes []BlockWrite) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDatabaseClosed
	}
	for _, w := range writes {
		if uint32(len(w.Data)) != s.blockSize {
			s.mu.Unlock()
			return fmt.Errorf("write block %d: %w: got %d bytes, want %d", w.ID, ErrInvalidParameter, len(w.Data), s.blockSize)
		}
		if s.verifyBeforeWrite {
			if err := s.preWriteVerifyLocked(w.ID); err != nil {
				s.mu.Unlock()
				return err
			}
		}
	}
	for _, w := range writes {
		s.writeLocked(w.ID, w.Data)
	}
	count, bytes := len(s.dirty), int64(len(s.dirty))*int64(s.blockSize)
	notifier := s.notifier
	s.mu.Unlock()

	if notifier != nil {
		notifier(count, bytes)
	}
	return nil
}

// preWriteVerifyLocked refuses a write when the stale cached copy already
// disagrees with the stored checksum, so corruption is surfaced instead of
// silently overwritten.
func (s *BlockStorage) preWriteVerifyLocked(id uint64) error {
	data, cached := s.cache[id]
	entry, hasEntry := s.meta.Entries[id]
	if !cached || !hasEntry {
		return nil
	}
	if err := VerifyChecksum(data, entry.Algo, entry.Checksum); err != nil {
		return wrapErrf(err, "pre-write verify block %d", id)
	}
	return nil
}

func (s *BlockStorage) writeLocked(id uint64, data []byte) {
	if _, ok := s.meta.Allocated[id]; !ok {
		s.ensureAllocatedLocked(id)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.insertLocked(id, buf)
	s.dirty[id] = struct{}{}
	delete(s.pendingDeletes, id)

	entry := s.meta.Entries[id]
	algo := entry.Algo
	if !algo.Valid() {
		algo = s.algo
	}
	s.meta.Entries[id] = BlockMetadata{
		Checksum:       Compute(data, algo),
		Version:        entry.Version + 1,
		LastModifiedMS: uint64(time.Now().UnixMilli()),
		Algo:           algo,
	}
}

// ensureAllocatedLocked inserts a specific id into the allocation set. The
// VFS addresses blocks positionally (offset / block size), so ids are not
// always handed out by Allocate.
func (s *BlockStorage) ensureAllocatedLocked(id uint64) {
	s.meta.Allocated[id] = struct{}{}
	if id >= s.meta.NextID {
		for next := s.meta.NextID; next < id; next++ {
			if _, ok := s.meta.Allocated[next]; !ok {
				s.freelist = append(s.freelist, next)
			}
		}
		s.meta.NextID = id + 1
	} else {
		for i, fid := range s.freelist {
			if fid == id {
				s.freelist = append(s.freelist[:i], s.freelist[i+1:]...)
				break
			}
		}
	}
}

// insertLocked places bytes into the cache, evicting the least recently used
// clean block when the cache is full. Dirty blocks are never evicted; with
// no clean victim the cache overflows until the next sync.
func (s *BlockStorage) insertLocked(id uint64, data []byte) {
	if _, ok := s.cache[id]; !ok && len(s.cache) >= s.capacity {
		victim, ok := s.lru.victim(func(v uint64) bool {
			_, d := s.dirty[v]
			return d
		})
		if ok {
			delete(s.cache, victim)
			s.lru.remove(victim)
		}
	}
	s.cache[id] = data
	s.lru.touch(id)
}

// invalidateLocked drops a cache entry so the next read retries through the
// backend.
func (s *BlockStorage) invalidateLocked(id uint64) {
	delete(s.cache, id)
	s.lru.remove(id)
}

// Verify forces checksum verification of the block's backing bytes against
// its stored checksum.
func (s *BlockStorage) Verify(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDatabaseClosed
	}
	entry, ok := s.meta.Entries[id]
	if !ok {
		return wrapErrf(ErrNotFound, "verify block %d", id)
	}
	data, cached := s.cache[id]
	if !cached {
		var err error
		data, err = s.backend.GetBlock(id)
		if err != nil {
			return wrapErrf(err, "verify block %d", id)
		}
		if data == nil {
			return wrapErrf(ErrNotFound, "verify block %d: no record", id)
		}
	}
	if err := VerifyChecksum(data, entry.Algo, entry.Checksum); err != nil {
		return wrapErrf(err, "verify block %d", id)
	}
	return nil
}

// TruncateBlocks deallocates every block with id >= keep. The VFS uses it to
// implement file truncation.
func (s *BlockStorage) TruncateBlocks(keep uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDatabaseClosed
	}
	for id := range s.meta.Allocated {
		if id >= keep {
			if err := s.deallocateLocked(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// FileSize returns the logical file size derived from the highest allocated
// block id.
func (s *BlockStorage) FileSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64 = -1
	for id := range s.meta.Allocated {
		if int64(id) > max {
			max = int64(id)
		}
	}
	return (max + 1) * int64(s.blockSize)
}

// DirtyCount returns the number of dirty blocks.
func (s *BlockStorage) DirtyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

// DirtyBytes returns the total cached bytes awaiting sync.
func (s *BlockStorage) DirtyBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.dirty)) * int64(s.blockSize)
}

// FlushStats summarizes one successful sync.
type FlushStats struct {
	BlocksWritten int
	BlocksDeleted int
	BytesWritten  int64
	Duration      time.Duration
}

// Sync flushes the dirty set and commits metadata using the durable-write
// protocol: dirty blocks, flush, staged metadata swap, flush, then the dirty
// set is cleared. On failure the dirty set is retained and any staged
// metadata is discarded; the next attempt retries from the top.
func (s *BlockStorage) Sync() (FlushStats, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return FlushStats{}, ErrDatabaseClosed
	}
	stats := FlushStats{}
	if len(s.dirty) == 0 && len(s.pendingDeletes) == 0 {
		stats.Duration = time.Since(start)
		return stats, nil
	}

	for id := range s.pendingDeletes {
		if err := s.backend.DeleteBlock(id); err != nil {
			return stats, wrapErr("sync", err)
		}
		stats.BlocksDeleted++
	}
	var g errgroup.Group
	g.SetLimit(maxInflightBackendWrites)
	for id := range s.dirty {
		data, ok := s.cache[id]
		if !ok {
			// Dirty implies cached; a miss here is an internal invariant break.
			return stats, fmt.Errorf("sync: dirty block %d not cached: %w", id, ErrCorrupted)
		}
		id := id
		g.Go(func() error { return s.backend.PutBlock(id, data) })
		stats.BlocksWritten++
		stats.BytesWritten += int64(len(data))
	}
	if err := g.Wait(); err != nil {
		_ = s.backend.DiscardPending()
		return stats, wrapErr("sync", err)
	}
	if err := s.backend.Flush(); err != nil {
		_ = s.backend.DiscardPending()
		return stats, wrapErr("sync", err)
	}
	serialized, err := s.meta.Serialize()
	if err != nil {
		return stats, wrapErr("sync", err)
	}
	if err := s.backend.PutMetadata(serialized); err != nil {
		_ = s.backend.DiscardPending()
		return stats, wrapErr("sync", err)
	}
	if err := s.backend.Flush(); err != nil {
		return stats, wrapErr("sync", err)
	}
	s.dirty = make(map[uint64]struct{})
	s.pendingDeletes = make(map[uint64]struct{})
	stats.Duration = time.Since(start)
	return stats, nil
}

// InvalidateCache discards every cached block and in-memory checksum view.
// Followers call it on DataChanged so subsequent reads re-fetch and
// re-verify against the authoritative metadata; import uses it to drop the
// pre-import view.
func (s *BlockStorage) InvalidateCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDatabaseClosed
	}
	if len(s.dirty) > 0 {
		return fmt.Errorf("invalidate cache: %w: %d dirty blocks unsynced", ErrInvalidParameter, len(s.dirty))
	}
	s.cache = make(map[uint64][]byte)
	s.lru = newLRUIndex()
	data, err := s.backend.GetMetadata()
	if err != nil {
		return wrapErr("invalidate cache", err)
	}
	if data == nil {
		s.meta = NewMetadataState(s.blockSize)
	} else {
		meta, err := ParseMetadata(data)
		if err != nil {
			return wrapErr("invalidate cache", err)
		}
		s.meta = meta
		if s.meta.BlockSize == 0 {
			s.meta.BlockSize = s.blockSize
		}
	}
	s.rebuildFreelist()
	return nil
}

// ResetForImport clears every in-memory and persisted record so an imported
// image can be written as a fresh block set. The caller syncs afterwards.
func (s *BlockStorage) ResetForImport() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDatabaseClosed
	}
	ids, err := s.backend.ListBlockIDs()
	if err != nil {
		return wrapErr("reset for import", err)
	}
	for id := range ids {
		if err := s.backend.DeleteBlock(id); err != nil {
			return wrapErr("reset for import", err)
		}
	}
	s.cache = make(map[uint64][]byte)
	s.lru = newLRUIndex()
	s.dirty = make(map[uint64]struct{})
	s.pendingDeletes = make(map[uint64]struct{})
	s.meta = NewMetadataState(s.blockSize)
	s.freelist = s.freelist[:0]
	return nil
}

// CacheLen returns the number of cached blocks. Tests use it to observe
// eviction and overflow behavior.
func (s *BlockStorage) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// Close marks the storage closed. It does not flush; callers drain the
// scheduler first.
func (s *BlockStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.Close()
}
