package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRecoveryStorage(t *testing.T, base, name string, opts Options) (*BlockStorage, *FSBackend) {
	t.Helper()
	backend, err := NewFSBackend(base, name)
	require.NoError(t, err)
	s, err := NewBlockStorage(name, backend, opts)
	require.NoError(t, err)
	return s, backend
}

func TestRecoveryRemovesStrayFiles(t *testing.T) {
	base := t.TempDir()
	name := "stray"

	s, backend := openRecoveryStorage(t, base, name, DefaultOptions())
	id, _ := s.Allocate()
	require.NoError(t, s.Write(id, blockOf(0xAB, DefaultBlockSize)))
	_, err := s.Sync()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	stray := filepath.Join(backend.Dir(), "blocks", "block_9999.bin")
	require.NoError(t, os.WriteFile(stray, blockOf(0xAB, DefaultBlockSize), 0o644))

	s2, _ := openRecoveryStorage(t, base, name, DefaultOptions())
	defer s2.Close()
	assert.Equal(t, 1, s2.RecoveryReport().StraysRemoved)
	_, err = os.Stat(stray)
	assert.True(t, os.IsNotExist(err), "stray file removed by recovery")
}

func TestRecoveryDropsDanglingMetadata(t *testing.T) {
	base := t.TempDir()
	name := "dangling"

	s, backend := openRecoveryStorage(t, base, name, DefaultOptions())
	id, _ := s.Allocate()
	require.NoError(t, s.Write(id, blockOf(0x55, DefaultBlockSize)))
	_, err := s.Sync()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, os.Remove(filepath.Join(backend.Dir(), "blocks", blockFileName(id))))

	s2, _ := openRecoveryStorage(t, base, name, DefaultOptions())
	defer s2.Close()
	assert.Contains(t, s2.RecoveryReport().DroppedBlocks, id)
	info := s2.Info()
	assert.Equal(t, 0, info.TotalAllocatedBlocks)
}

func TestRecoveryDropsInvalidSizedRecords(t *testing.T) {
	base := t.TempDir()
	name := "badsize"

	s, backend := openRecoveryStorage(t, base, name, DefaultOptions())
	id, _ := s.Allocate()
	require.NoError(t, s.Write(id, blockOf(0x10, DefaultBlockSize)))
	_, err := s.Sync()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	path := filepath.Join(backend.Dir(), "blocks", blockFileName(id))
	require.NoError(t, os.WriteFile(path, []byte("truncated"), 0o644))

	s2, _ := openRecoveryStorage(t, base, name, DefaultOptions())
	defer s2.Close()
	assert.Contains(t, s2.RecoveryReport().DroppedBlocks, id)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "invalid-sized record deleted")
}

func TestRecoveryIdempotent(t *testing.T) {
	base := t.TempDir()
	name := "idem"

	s, backend := openRecoveryStorage(t, base, name, DefaultOptions())
	id, _ := s.Allocate()
	require.NoError(t, s.Write(id, blockOf(0x77, DefaultBlockSize)))
	_, err := s.Sync()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Stray plus dangling at once.
	require.NoError(t, os.WriteFile(filepath.Join(backend.Dir(), "blocks", "block_4242.bin"), blockOf(0xCD, DefaultBlockSize), 0o644))
	require.NoError(t, os.Remove(filepath.Join(backend.Dir(), "blocks", blockFileName(id))))

	s2, _ := openRecoveryStorage(t, base, name, DefaultOptions())
	report1 := s2.RecoveryReport()
	assert.Equal(t, 1, report1.StraysRemoved)
	assert.Contains(t, report1.DroppedBlocks, id)
	require.NoError(t, s2.Close())

	s3, _ := openRecoveryStorage(t, base, name, DefaultOptions())
	defer s3.Close()
	report2 := s3.RecoveryReport()
	assert.Equal(t, 0, report2.StraysRemoved, "second recovery is a no-op")
	assert.Empty(t, report2.DroppedBlocks)
	assert.Empty(t, report2.CorruptedBlocks)
}

func TestRecoveryPromotesPendingWithoutLive(t *testing.T) {
	base := t.TempDir()
	name := "promote"

	s, backend := openRecoveryStorage(t, base, name, DefaultOptions())
	id, _ := s.Allocate()
	require.NoError(t, s.Write(id, blockOf(0x42, DefaultBlockSize)))
	_, err := s.Sync()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a crash after staging but before any live metadata existed.
	live := filepath.Join(backend.Dir(), "metadata.json")
	pending := filepath.Join(backend.Dir(), "metadata.json.pending")
	require.NoError(t, os.Rename(live, pending))

	s2, _ := openRecoveryStorage(t, base, name, DefaultOptions())
	defer s2.Close()
	assert.True(t, s2.RecoveryReport().PendingPromoted)
	got, err := s2.Read(id)
	require.NoError(t, err)
	assert.Equal(t, blockOf(0x42, DefaultBlockSize), got)

	_, err = os.Stat(pending)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(live)
	assert.NoError(t, err)
}

// Crash during a multi-block commit: v1 holds block 1; the interrupted v2
// updated block 1 and introduced blocks 2 and 3, with block 2's file present
// and block 3's missing at the crash point. Recovery must roll back to v1:
// pending gone, v1 metadata intact, block 2's file removed, block 3 absent.
func TestCrashRollbackPartialMultiBlockMixedPresence(t *testing.T) {
	base := t.TempDir()
	name := "crash_mixed"

	s, backend := openRecoveryStorage(t, base, name, DefaultOptions())
	id1, _ := s.Allocate()
	require.NoError(t, s.Write(id1, blockOf(0x01, DefaultBlockSize)))
	_, err := s.Sync()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	v1Meta, err := os.ReadFile(filepath.Join(backend.Dir(), "metadata.json"))
	require.NoError(t, err)

	// Fabricate the crash point of the v2 commit.
	id2, id3 := uint64(2), uint64(3)
	require.NoError(t, backend.PutBlock(id2, blockOf(0x02, DefaultBlockSize)))
	// Block 3 was never written (crash before it). Pending metadata for v2
	// names all three blocks.
	v2 := NewMetadataState(DefaultBlockSize)
	v2.NextID = 4
	for _, id := range []uint64{id1, id2, id3} {
		v2.Allocated[id] = struct{}{}
		v2.Entries[id] = BlockMetadata{Checksum: 1, Version: 2, Algo: AlgoFastHash}
	}
	v2Raw, err := v2.Serialize()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(backend.Dir(), "metadata.json.pending"), v2Raw, 0o644))

	opts := DefaultOptions()
	opts.Recovery = RecoveryOptions{Mode: RecoveryFull, Policy: CorruptionReport}
	s2, _ := openRecoveryStorage(t, base, name, opts)
	defer s2.Close()

	// Pending discarded, v1 authoritative.
	_, err = os.Stat(filepath.Join(backend.Dir(), "metadata.json.pending"))
	assert.True(t, os.IsNotExist(err), "pending metadata absent after recovery")
	gotMeta, err := os.ReadFile(filepath.Join(backend.Dir(), "metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, v1Meta, gotMeta, "metadata.json identical to v1")

	// Block 2's stray file removed; block 3 still absent.
	_, err = os.Stat(filepath.Join(backend.Dir(), "blocks", blockFileName(id2)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(backend.Dir(), "blocks", blockFileName(id3)))
	assert.True(t, os.IsNotExist(err))

	// Block 1 still reads its v1 bytes.
	got, err := s2.Read(id1)
	require.NoError(t, err)
	assert.Equal(t, blockOf(0x01, DefaultBlockSize), got)
}

func TestRecoveryFullReportsCorruption(t *testing.T) {
	base := t.TempDir()
	name := "corrupt_report"

	s, backend := openRecoveryStorage(t, base, name, DefaultOptions())
	id, _ := s.Allocate()
	require.NoError(t, s.Write(id, blockOf(0x33, DefaultBlockSize)))
	_, err := s.Sync()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, backend.PutBlock(id, blockOf(0x34, DefaultBlockSize)))

	opts := DefaultOptions()
	opts.Recovery = RecoveryOptions{Mode: RecoveryFull, Policy: CorruptionReport}
	s2, _ := openRecoveryStorage(t, base, name, opts)
	defer s2.Close()

	report := s2.RecoveryReport()
	assert.Equal(t, 1, report.TotalBlocksVerified)
	assert.Contains(t, report.CorruptedBlocks, id)
	assert.Empty(t, report.DroppedBlocks, "report policy leaves data in place")
}

func TestRecoveryRepairDropsUnrepairable(t *testing.T) {
	base := t.TempDir()
	name := "corrupt_repair"

	s, backend := openRecoveryStorage(t, base, name, DefaultOptions())
	id, _ := s.Allocate()
	require.NoError(t, s.Write(id, blockOf(0x33, DefaultBlockSize)))
	_, err := s.Sync()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, backend.PutBlock(id, blockOf(0x34, DefaultBlockSize)))

	opts := DefaultOptions()
	opts.Recovery = RecoveryOptions{Mode: RecoveryFull, Policy: CorruptionRepair}
	s2, _ := openRecoveryStorage(t, base, name, opts)
	defer s2.Close()

	report := s2.RecoveryReport()
	assert.Contains(t, report.CorruptedBlocks, id)
	assert.Contains(t, report.DroppedBlocks, id)
	info := s2.Info()
	assert.Equal(t, 0, info.TotalAllocatedBlocks)
}

func TestRecoverySampleBoundsVerification(t *testing.T) {
	base := t.TempDir()
	name := "sample"

	s, _ := openRecoveryStorage(t, base, name, DefaultOptions())
	for i := 0; i < 6; i++ {
		id, _ := s.Allocate()
		require.NoError(t, s.Write(id, blockOf(byte(i), DefaultBlockSize)))
	}
	_, err := s.Sync()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	opts := DefaultOptions()
	opts.Recovery = RecoveryOptions{Mode: RecoverySample, SampleSize: 3, Policy: CorruptionReport}
	s2, _ := openRecoveryStorage(t, base, name, opts)
	defer s2.Close()
	assert.Equal(t, 3, s2.RecoveryReport().TotalBlocksVerified)
}
