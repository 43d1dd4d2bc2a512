package storage

import (
	"errors"
	"sync"
	"time"
)

// SyncPolicy drives background flushes from cache to backend. Any subset of
// fields may be set; zero values disable the corresponding trigger.
type SyncPolicy struct {
	// Interval wakes the scheduler periodically; a flush runs when the
	// dirty set is non-empty.
	Interval time.Duration

	// MaxDirty schedules a flush when the dirty block count reaches it.
	MaxDirty int

	// MaxDirtyBytes schedules a flush when dirty bytes reach it.
	MaxDirtyBytes int64

	// Debounce defers a threshold flush until writes have been quiet for
	// this long; any write in the window resets the timer. Thresholds
	// without debounce flush immediately.
	Debounce time.Duration

	// VerifyAfterWrite enables the cache's pre-write staleness check.
	VerifyAfterWrite bool
}

// Enabled reports whether any trigger is configured.
func (p SyncPolicy) Enabled() bool {
	return p.Interval > 0 || p.MaxDirty > 0 || p.MaxDirtyBytes > 0
}

// syncReason labels what triggered a flush, for the per-trigger counters.
type syncReason int

const (
	syncManual syncReason = iota
	syncTimer
	syncDebounce
	syncThreshold
)

// SyncMetrics is a snapshot of the scheduler's counters.
type SyncMetrics struct {
	SyncCount          uint64
	TimerSyncCount     uint64
	DebounceSyncCount  uint64
	ThresholdSyncCount uint64
	LastSyncDurationMS int64
	LastFlushBytes     int64
	Errors             uint64
	ChecksumFailures   uint64
	Fatal              bool
}

// DefaultMaxConsecutiveFlushFailures is the failure count after which the
// scheduler stops and reports fatal.
const DefaultMaxConsecutiveFlushFailures = 5

// AutoSyncScheduler flushes the dirty set on a timer, on dirty thresholds
// with optional debounce, and on demand. While a transaction is active all
// flushes are deferred; at most one deferred flush runs per commit.
type AutoSyncScheduler struct {
	storage *BlockStorage
	policy  SyncPolicy

	mu             sync.Mutex
	metrics        SyncMetrics
	consecFailures int
	maxFailures    int
	txDepth        int
	txFlushWanted  bool
	debounce       *time.Timer
	stopCh         chan struct{}
	started        bool
	shutdown       bool
	onSynced       func(FlushStats)

	wg sync.WaitGroup
}

// NewAutoSyncScheduler wires a scheduler to storage and installs the dirty
// notifier. Start must be called to begin timer-driven flushes.
func NewAutoSyncScheduler(storage *BlockStorage, policy SyncPolicy) *AutoSyncScheduler {
	s := &AutoSyncScheduler{
		storage:     storage,
		policy:      policy,
		maxFailures: DefaultMaxConsecutiveFlushFailures,
		stopCh:      make(chan struct{}),
	}
	storage.SetDirtyNotifier(s.notifyDirty)
	return s
}

// SetOnSynced installs a callback invoked after each successful flush that
// wrote or deleted at least one block. The facade uses it to broadcast DataChanged.
func (s *AutoSyncScheduler) SetOnSynced(fn func(FlushStats)) {
	s.mu.Lock()
	s.onSynced = fn
	s.mu.Unlock()
}

// Start launches the interval worker when the policy configures one.
func (s *AutoSyncScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.shutdown || s.policy.Interval <= 0 {
		s.started = true
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.intervalLoop()
}

func (s *AutoSyncScheduler) intervalLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.storage.DirtyCount() > 0 {
				s.flush(syncTimer)
			}
		}
	}
}

// notifyDirty is the cache's dirty notifier. It runs on the writer's
// goroutine after the cache lock is released.
func (s *AutoSyncScheduler) notifyDirty(dirtyCount int, dirtyBytes int64) {
	s.mu.Lock()
	if s.shutdown || s.metrics.Fatal {
		s.mu.Unlock()
		return
	}
	crossed := (s.policy.MaxDirty > 0 && dirtyCount >= s.policy.MaxDirty) ||
		(s.policy.MaxDirtyBytes > 0 && dirtyBytes >= s.policy.MaxDirtyBytes)

	if s.policy.Debounce > 0 {
		if s.debounce != nil {
			// A write inside the quiet window resets the timer whether or
			// not this write crossed a threshold again.
			s.debounce.Reset(s.policy.Debounce)
			s.mu.Unlock()
			return
		}
		if crossed {
			s.debounce = time.AfterFunc(s.policy.Debounce, func() {
				s.mu.Lock()
				s.debounce = nil
				stopped := s.shutdown
				s.mu.Unlock()
				if !stopped {
					s.flush(syncDebounce)
				}
			})
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if crossed {
		s.flush(syncThreshold)
	}
}

// BeginTx defers flushes until the matching EndTx.
func (s *AutoSyncScheduler) BeginTx() {
	s.mu.Lock()
	s.txDepth++
	s.mu.Unlock()
}

// EndTx closes a transaction scope. When commit is true and a flush was
// requested while the transaction was open, exactly one flush runs now.
func (s *AutoSyncScheduler) EndTx(commit bool) error {
	s.mu.Lock()
	if s.txDepth > 0 {
		s.txDepth--
	}
	wanted := s.txFlushWanted && s.txDepth == 0
	if s.txDepth == 0 {
		s.txFlushWanted = false
	}
	s.mu.Unlock()
	if commit && wanted {
		return s.flush(syncThreshold)
	}
	return nil
}

// flush performs one commit-protocol sync attributed to reason.
func (s *AutoSyncScheduler) flush(reason syncReason) error {
	s.mu.Lock()
	if s.metrics.Fatal {
		s.mu.Unlock()
		return ErrDatabaseClosed
	}
	if s.txDepth > 0 {
		s.txFlushWanted = true
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	stats, err := s.storage.Sync()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.metrics.Errors++
		if errors.Is(err, ErrChecksumMismatch) {
			s.metrics.ChecksumFailures++
		}
		s.consecFailures++
		if s.consecFailures >= s.maxFailures {
			s.metrics.Fatal = true
			s.stopLocked()
		}
		return err
	}
	s.consecFailures = 0
	s.metrics.SyncCount++
	switch reason {
	case syncTimer:
		s.metrics.TimerSyncCount++
	case syncDebounce:
		s.metrics.DebounceSyncCount++
	case syncThreshold:
		s.metrics.ThresholdSyncCount++
	}
	s.metrics.LastSyncDurationMS = stats.Duration.Milliseconds()
	s.metrics.LastFlushBytes = stats.BytesWritten
	if s.onSynced != nil && (stats.BlocksWritten > 0 || stats.BlocksDeleted > 0) {
		fn := s.onSynced
		// Callback runs outside the metrics lock.
		s.mu.Unlock()
		fn(stats)
		s.mu.Lock()
	}
	return nil
}

// Drain performs one synchronous flush of the current dirty snapshot.
func (s *AutoSyncScheduler) Drain() error {
	return s.flush(syncManual)
}

// stopLocked stops workers; callers hold s.mu.
func (s *AutoSyncScheduler) stopLocked() {
	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

// DrainAndShutdown stops all workers and performs one final synchronous
// flush. Idempotent: repeated calls are no-ops after the first. After it
// returns no background worker mutates state.
func (s *AutoSyncScheduler) DrainAndShutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.stopLocked()
	fatal := s.metrics.Fatal
	s.mu.Unlock()

	s.wg.Wait()
	if fatal {
		return nil
	}
	err := s.flush(syncManual)
	if errors.Is(err, ErrDatabaseClosed) {
		return nil
	}
	return err
}

// Fatal reports whether the scheduler stopped after repeated flush failures.
func (s *AutoSyncScheduler) Fatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics.Fatal
}

// Metrics returns a snapshot of the scheduler counters.
func (s *AutoSyncScheduler) Metrics() SyncMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}
