package coord

import "sync"

// CoordMetrics is a snapshot of the coordination counters.
type CoordMetrics struct {
	LeadershipChanges        uint64
	WriteConflicts           uint64
	FollowerRefreshes        uint64
	AvgNotificationLatencyMS int64
}

// coordMetrics accumulates counters under a mutex; time deltas are fed
// through safeDeltaMS so odd clocks degrade to zero instead of panicking.
type coordMetrics struct {
	mu                sync.Mutex
	leadershipChanges uint64
	writeConflicts    uint64
	followerRefreshes uint64
	latencySumMS      int64
	latencySamples    int64
}

func (m *coordMetrics) incLeadershipChanges() {
	m.mu.Lock()
	m.leadershipChanges++
	m.mu.Unlock()
}

func (m *coordMetrics) incWriteConflicts() {
	m.mu.Lock()
	m.writeConflicts++
	m.mu.Unlock()
}

func (m *coordMetrics) incFollowerRefreshes() {
	m.mu.Lock()
	m.followerRefreshes++
	m.mu.Unlock()
}

func (m *coordMetrics) observeNotificationLatency(deltaMS int64) {
	m.mu.Lock()
	m.latencySumMS += deltaMS
	m.latencySamples++
	m.mu.Unlock()
}

func (m *coordMetrics) snapshot() CoordMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	var avg int64
	if m.latencySamples > 0 {
		avg = m.latencySumMS / m.latencySamples
	}
	return CoordMetrics{
		LeadershipChanges:        m.leadershipChanges,
		WriteConflicts:           m.writeConflicts,
		FollowerRefreshes:        m.followerRefreshes,
		AvgNotificationLatencyMS: avg,
	}
}
