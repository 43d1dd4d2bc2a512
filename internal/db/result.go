package db

// QueryResult is the uniform result for execute-style calls: column names
// and rows for reads, affected count and last insert id for writes, and the
// elapsed time either way.
type QueryResult struct {
	Columns      []string        `json:"columns"`
	Rows         [][]interface{} `json:"rows"`
	Affected     int64           `json:"affected"`
	LastInsertID int64           `json:"last_insert_id"`
	ElapsedMS    int64           `json:"elapsed_ms"`
}

// Metrics aggregates the observable counters of one database handle.
type Metrics struct {
	SyncCount          uint64 `json:"sync_count"`
	TimerSyncCount     uint64 `json:"timer_sync_count"`
	DebounceSyncCount  uint64 `json:"debounce_sync_count"`
	ThresholdSyncCount uint64 `json:"threshold_sync_count"`
	LastSyncDurationMS int64  `json:"last_sync_duration_ms"`
	LastFlushBytes     int64  `json:"last_flush_bytes"`
	SyncErrors         uint64 `json:"sync_errors"`
	ChecksumFailures   uint64 `json:"checksum_failures"`

	LeadershipChanges        uint64 `json:"leadership_changes"`
	WriteConflicts           uint64 `json:"write_conflicts"`
	FollowerRefreshes        uint64 `json:"follower_refreshes"`
	AvgNotificationLatencyMS int64  `json:"avg_notification_latency_ms"`

	PendingWrites int  `json:"pending_writes"`
	IsLeader      bool `json:"is_leader"`
}
