package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSchedStorage(t *testing.T) *BlockStorage {
	t.Helper()
	backend, err := NewFSBackend(t.TempDir(), "sched_test")
	require.NoError(t, err)
	s, err := NewBlockStorage("sched_test", backend, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dirtyOneBlock(t *testing.T, s *BlockStorage, b byte) {
	t.Helper()
	id, err := s.Allocate()
	require.NoError(t, err)
	require.NoError(t, s.Write(id, blockOf(b, DefaultBlockSize)))
}

func TestThresholdFlushImmediate(t *testing.T) {
	s := newSchedStorage(t)
	sched := NewAutoSyncScheduler(s, SyncPolicy{MaxDirty: 2})
	sched.Start()
	defer sched.DrainAndShutdown()

	dirtyOneBlock(t, s, 1)
	m := sched.Metrics()
	assert.Equal(t, uint64(0), m.SyncCount, "below threshold, no flush")

	dirtyOneBlock(t, s, 2)
	m = sched.Metrics()
	assert.Equal(t, uint64(1), m.SyncCount)
	assert.Equal(t, uint64(1), m.ThresholdSyncCount)
	assert.Equal(t, uint64(0), m.TimerSyncCount)
	assert.Equal(t, uint64(0), m.DebounceSyncCount)
	assert.Equal(t, 0, s.DirtyCount())
}

func TestDirtyBytesThreshold(t *testing.T) {
	s := newSchedStorage(t)
	sched := NewAutoSyncScheduler(s, SyncPolicy{MaxDirtyBytes: 2 * DefaultBlockSize})
	sched.Start()
	defer sched.DrainAndShutdown()

	dirtyOneBlock(t, s, 1)
	assert.Equal(t, uint64(0), sched.Metrics().SyncCount)
	dirtyOneBlock(t, s, 2)
	assert.Equal(t, uint64(1), sched.Metrics().ThresholdSyncCount)
}

func TestTimerFlush(t *testing.T) {
	s := newSchedStorage(t)
	sched := NewAutoSyncScheduler(s, SyncPolicy{Interval: 20 * time.Millisecond})
	sched.Start()
	defer sched.DrainAndShutdown()

	dirtyOneBlock(t, s, 1)
	require.Eventually(t, func() bool {
		return sched.Metrics().TimerSyncCount >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.DirtyCount())
}

func TestDebounceDefersUntilQuiet(t *testing.T) {
	s := newSchedStorage(t)
	sched := NewAutoSyncScheduler(s, SyncPolicy{MaxDirty: 1, Debounce: 50 * time.Millisecond})
	sched.Start()
	defer sched.DrainAndShutdown()

	dirtyOneBlock(t, s, 1)
	assert.Equal(t, uint64(0), sched.Metrics().SyncCount, "debounce defers the threshold flush")

	require.Eventually(t, func() bool {
		return sched.Metrics().DebounceSyncCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	m := sched.Metrics()
	assert.Equal(t, uint64(1), m.SyncCount)
	assert.Equal(t, uint64(0), m.ThresholdSyncCount)
}

func TestDebounceResetOnWrite(t *testing.T) {
	s := newSchedStorage(t)
	sched := NewAutoSyncScheduler(s, SyncPolicy{MaxDirty: 1, Debounce: 80 * time.Millisecond})
	sched.Start()
	defer sched.DrainAndShutdown()

	dirtyOneBlock(t, s, 1)
	time.Sleep(40 * time.Millisecond)
	dirtyOneBlock(t, s, 2) // resets the quiet window
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(0), sched.Metrics().SyncCount, "flush still deferred after reset")

	require.Eventually(t, func() bool {
		return sched.Metrics().DebounceSyncCount == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEachFlushIncrementsExactlyOneTriggerCounter(t *testing.T) {
	s := newSchedStorage(t)
	sched := NewAutoSyncScheduler(s, SyncPolicy{MaxDirty: 1})
	sched.Start()
	defer sched.DrainAndShutdown()

	dirtyOneBlock(t, s, 1)
	m := sched.Metrics()
	sum := m.TimerSyncCount + m.DebounceSyncCount + m.ThresholdSyncCount
	assert.Equal(t, m.SyncCount, sum)
}

func TestDrainFlushesManually(t *testing.T) {
	s := newSchedStorage(t)
	sched := NewAutoSyncScheduler(s, SyncPolicy{})
	sched.Start()
	defer sched.DrainAndShutdown()

	dirtyOneBlock(t, s, 1)
	require.NoError(t, sched.Drain())
	assert.Equal(t, 0, s.DirtyCount())
	m := sched.Metrics()
	assert.Equal(t, uint64(1), m.SyncCount)
	assert.Equal(t, uint64(0), m.TimerSyncCount+m.DebounceSyncCount+m.ThresholdSyncCount)
}

func TestDrainAndShutdownIdempotent(t *testing.T) {
	s := newSchedStorage(t)
	sched := NewAutoSyncScheduler(s, SyncPolicy{Interval: 10 * time.Millisecond})
	sched.Start()

	dirtyOneBlock(t, s, 1)
	require.NoError(t, sched.DrainAndShutdown())
	after := sched.Metrics()
	assert.Equal(t, 0, s.DirtyCount())

	require.NoError(t, sched.DrainAndShutdown())
	require.NoError(t, sched.DrainAndShutdown())
	assert.Equal(t, after, sched.Metrics(), "repeated shutdown changes nothing")
}

func TestTransactionDefersFlushes(t *testing.T) {
	s := newSchedStorage(t)
	sched := NewAutoSyncScheduler(s, SyncPolicy{MaxDirty: 1})
	sched.Start()
	defer sched.DrainAndShutdown()

	sched.BeginTx()
	dirtyOneBlock(t, s, 1)
	dirtyOneBlock(t, s, 2)
	assert.Equal(t, uint64(0), sched.Metrics().SyncCount, "no flush inside the transaction")
	assert.Equal(t, 2, s.DirtyCount())

	require.NoError(t, sched.EndTx(true))
	m := sched.Metrics()
	assert.Equal(t, uint64(1), m.SyncCount, "exactly one flush at commit")
	assert.Equal(t, 0, s.DirtyCount())
}

func TestTransactionRollbackSkipsDeferredFlush(t *testing.T) {
	s := newSchedStorage(t)
	sched := NewAutoSyncScheduler(s, SyncPolicy{MaxDirty: 1})
	sched.Start()
	defer sched.DrainAndShutdown()

	sched.BeginTx()
	dirtyOneBlock(t, s, 1)
	require.NoError(t, sched.EndTx(false))
	assert.Equal(t, uint64(0), sched.Metrics().SyncCount)
}

func TestSchedulerFatalAfterRepeatedFailures(t *testing.T) {
	backend, err := NewFSBackend(t.TempDir(), "fatal_test")
	require.NoError(t, err)
	s, err := NewBlockStorage("fatal_test", backend, DefaultOptions())
	require.NoError(t, err)
	sched := NewAutoSyncScheduler(s, SyncPolicy{})
	sched.Start()

	dirtyOneBlock(t, s, 1)
	// Closing the storage makes every flush fail with DatabaseClosed.
	require.NoError(t, s.Close())

	var lastErr error
	for i := 0; i < DefaultMaxConsecutiveFlushFailures; i++ {
		lastErr = sched.Drain()
		require.Error(t, lastErr)
	}
	assert.True(t, sched.Fatal())
	m := sched.Metrics()
	assert.Equal(t, uint64(DefaultMaxConsecutiveFlushFailures), m.Errors)
	require.ErrorIs(t, sched.Drain(), ErrDatabaseClosed)
	require.NoError(t, sched.DrainAndShutdown())
}

func TestLastFlushCounters(t *testing.T) {
	s := newSchedStorage(t)
	sched := NewAutoSyncScheduler(s, SyncPolicy{})
	sched.Start()
	defer sched.DrainAndShutdown()

	dirtyOneBlock(t, s, 1)
	dirtyOneBlock(t, s, 2)
	require.NoError(t, sched.Drain())
	m := sched.Metrics()
	assert.Equal(t, int64(2*DefaultBlockSize), m.LastFlushBytes)
	assert.GreaterOrEqual(t, m.LastSyncDurationMS, int64(0))
}
