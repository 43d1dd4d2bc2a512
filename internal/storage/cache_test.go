package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T, capacity int) *BlockStorage {
	t.Helper()
	backend, err := NewFSBackend(t.TempDir(), "cache_test")
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.CacheCapacity = capacity
	s, err := NewBlockStorage("cache_test", backend, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func blockOf(b byte, size int) []byte {
	return bytes.Repeat([]byte{b}, size)
}

func TestAllocateSequential(t *testing.T) {
	s := newTestStorage(t, 8)
	id0, err := s.Allocate()
	require.NoError(t, err)
	id1, err := s.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id0)
	assert.Equal(t, uint64(1), id1)
}

func TestDeallocateReusesID(t *testing.T) {
	s := newTestStorage(t, 8)
	id0, _ := s.Allocate()
	id1, _ := s.Allocate()
	require.NoError(t, s.Write(id0, blockOf(0xAA, DefaultBlockSize)))

	require.NoError(t, s.Deallocate(id0))
	reused, err := s.Allocate()
	require.NoError(t, err)
	assert.Equal(t, id0, reused, "freelist id reused before extending id space")

	next, err := s.Allocate()
	require.NoError(t, err)
	assert.Greater(t, next, id1)
}

func TestDeallocateUnknownFails(t *testing.T) {
	s := newTestStorage(t, 8)
	err := s.Deallocate(99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadColdBlockIsZeroFilled(t *testing.T) {
	s := newTestStorage(t, 8)
	id, _ := s.Allocate()
	data, err := s.Read(id)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, DefaultBlockSize), data)
}

func TestReadUnallocatedFails(t *testing.T) {
	s := newTestStorage(t, 8)
	_, err := s.Read(7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWriteWrongLengthFails(t *testing.T) {
	s := newTestStorage(t, 8)
	id, _ := s.Allocate()
	err := s.Write(id, []byte("short"))
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStorage(t, 8)
	id, _ := s.Allocate()
	payload := blockOf(0x5C, DefaultBlockSize)
	require.NoError(t, s.Write(id, payload))

	got, err := s.Read(id)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// The returned slice is a copy; mutating it must not poison the cache.
	got[0] ^= 0xFF
	again, err := s.Read(id)
	require.NoError(t, err)
	assert.Equal(t, payload, again)
}

func TestVersionBumpsOnEveryWrite(t *testing.T) {
	s := newTestStorage(t, 8)
	id, _ := s.Allocate()
	payload := blockOf(0x01, DefaultBlockSize)
	require.NoError(t, s.Write(id, payload))
	require.NoError(t, s.Write(id, payload)) // identical bytes still bump

	info := s.Info()
	require.Len(t, info.Blocks, 1)
	assert.Equal(t, uint32(2), info.Blocks[0].Version)
}

func TestPersistAcrossReopen(t *testing.T) {
	base := t.TempDir()
	payload := blockOf(0x77, DefaultBlockSize)

	backend, err := NewFSBackend(base, "reopen")
	require.NoError(t, err)
	s, err := NewBlockStorage("reopen", backend, DefaultOptions())
	require.NoError(t, err)
	id, _ := s.Allocate()
	require.NoError(t, s.Write(id, payload))
	_, err = s.Sync()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	backend2, err := NewFSBackend(base, "reopen")
	require.NoError(t, err)
	s2, err := NewBlockStorage("reopen", backend2, DefaultOptions())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Read(id)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSyncMakesBackendMatchCache(t *testing.T) {
	base := t.TempDir()
	backend, err := NewFSBackend(base, "match")
	require.NoError(t, err)
	s, err := NewBlockStorage("match", backend, DefaultOptions())
	require.NoError(t, err)
	defer s.Close()

	var ids []uint64
	for i := 0; i < 5; i++ {
		id, err := s.Allocate()
		require.NoError(t, err)
		require.NoError(t, s.Write(id, blockOf(byte(i+1), DefaultBlockSize)))
		ids = append(ids, id)
	}
	_, err = s.Sync()
	require.NoError(t, err)
	assert.Equal(t, 0, s.DirtyCount())

	for i, id := range ids {
		onDisk, err := backend.GetBlock(id)
		require.NoError(t, err)
		assert.Equal(t, blockOf(byte(i+1), DefaultBlockSize), onDisk)
	}
}

func TestEvictionSkipsDirty(t *testing.T) {
	s := newTestStorage(t, 2)
	// Two dirty blocks fill the cache.
	id0, _ := s.Allocate()
	id1, _ := s.Allocate()
	require.NoError(t, s.Write(id0, blockOf(1, DefaultBlockSize)))
	require.NoError(t, s.Write(id1, blockOf(2, DefaultBlockSize)))

	// A third write overflows rather than evicting a dirty block.
	id2, _ := s.Allocate()
	require.NoError(t, s.Write(id2, blockOf(3, DefaultBlockSize)))
	assert.Equal(t, 3, s.CacheLen(), "cache overflows while all blocks dirty")
	assert.Equal(t, 3, s.DirtyCount())

	// After sync everything is clean; the next insert evicts one clean block
	// instead of growing the cache further.
	_, err := s.Sync()
	require.NoError(t, err)
	id3, _ := s.Allocate()
	require.NoError(t, s.Write(id3, blockOf(4, DefaultBlockSize)))
	assert.LessOrEqual(t, s.CacheLen(), 3)
}

func TestLRUEvictionOrder(t *testing.T) {
	s := newTestStorage(t, 2)
	id0, _ := s.Allocate()
	id1, _ := s.Allocate()
	require.NoError(t, s.Write(id0, blockOf(1, DefaultBlockSize)))
	require.NoError(t, s.Write(id1, blockOf(2, DefaultBlockSize)))
	_, err := s.Sync()
	require.NoError(t, err)

	// Touch id0 so id1 is least recently used.
	_, err = s.Read(id0)
	require.NoError(t, err)

	id2, _ := s.Allocate()
	require.NoError(t, s.Write(id2, blockOf(3, DefaultBlockSize)))
	require.Equal(t, 2, s.CacheLen())

	info := s.Info()
	cached := map[uint64]bool{}
	for _, b := range info.Blocks {
		cached[b.BlockID] = b.IsCached
	}
	assert.True(t, cached[id0], "recently read block stays")
	assert.False(t, cached[id1], "LRU clean block evicted")
}

func TestBatchedReadWrite(t *testing.T) {
	s := newTestStorage(t, 8)
	id0, _ := s.Allocate()
	id1, _ := s.Allocate()
	writes := []BlockWrite{
		{ID: id0, Data: blockOf(0xA1, DefaultBlockSize)},
		{ID: id1, Data: blockOf(0xB2, DefaultBlockSize)},
	}
	require.NoError(t, s.WriteMany(writes))

	got, err := s.ReadMany([]uint64{id0, id1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, writes[0].Data, got[0])
	assert.Equal(t, writes[1].Data, got[1])
}

func TestWriteManyValidatesBeforeMutating(t *testing.T) {
	s := newTestStorage(t, 8)
	id, _ := s.Allocate()
	err := s.WriteMany([]BlockWrite{
		{ID: id, Data: blockOf(1, DefaultBlockSize)},
		{ID: id + 1, Data: []byte("bad length")},
	})
	require.ErrorIs(t, err, ErrInvalidParameter)
	assert.Equal(t, 0, s.DirtyCount(), "failed batch must not mutate the cache")
}

func TestVerifyDetectsTamperedChecksum(t *testing.T) {
	base := t.TempDir()
	backend, err := NewFSBackend(base, "tamper")
	require.NoError(t, err)
	s, err := NewBlockStorage("tamper", backend, DefaultOptions())
	require.NoError(t, err)

	id, _ := s.Allocate()
	require.NoError(t, s.Write(id, blockOf(0x05, DefaultBlockSize)))
	_, err = s.Sync()
	require.NoError(t, err)
	require.NoError(t, s.Verify(id))
	require.NoError(t, s.Close())

	// Corrupt the stored bytes behind the metadata's back.
	require.NoError(t, backend.PutBlock(id, blockOf(0x06, DefaultBlockSize)))

	backend2, err := NewFSBackend(base, "tamper")
	require.NoError(t, err)
	s2, err := NewBlockStorage("tamper", backend2, DefaultOptions())
	require.NoError(t, err)
	defer s2.Close()

	err = s2.Verify(id)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	_, err = s2.Read(id)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestTruncateBlocksDeallocates(t *testing.T) {
	s := newTestStorage(t, 8)
	for i := 0; i < 4; i++ {
		id, _ := s.Allocate()
		require.NoError(t, s.Write(id, blockOf(byte(i), DefaultBlockSize)))
	}
	require.NoError(t, s.TruncateBlocks(2))
	info := s.Info()
	assert.Equal(t, 2, info.TotalAllocatedBlocks)
	assert.Equal(t, int64(2*DefaultBlockSize), s.FileSize())
}

func TestFileSizeFromHighestBlock(t *testing.T) {
	s := newTestStorage(t, 8)
	assert.Equal(t, int64(0), s.FileSize())
	require.NoError(t, s.Write(3, blockOf(9, DefaultBlockSize)))
	assert.Equal(t, int64(4*DefaultBlockSize), s.FileSize())
}

func TestOperationsAfterCloseFail(t *testing.T) {
	backend, err := NewFSBackend(t.TempDir(), "closed")
	require.NoError(t, err)
	s, err := NewBlockStorage("closed", backend, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Allocate()
	require.ErrorIs(t, err, ErrDatabaseClosed)
	_, err = s.Read(0)
	require.ErrorIs(t, err, ErrDatabaseClosed)
	_, err = s.Sync()
	require.ErrorIs(t, err, ErrDatabaseClosed)
}

func TestNormalizeDBName(t *testing.T) {
	assert.Equal(t, "app", NormalizeDBName("app"))
	assert.Equal(t, "app", NormalizeDBName("app.db"))
	assert.Equal(t, "app", NormalizeDBName("/var/data/app.db"))
	assert.Equal(t, "db", NormalizeDBName(""))
}
