// Package absurdersql provides a block-addressed persistence substrate
// beneath an embedded SQLite database: a checksummed LRU block cache with
// pluggable backends, auto-sync, crash recovery, and cross-instance
// leader election with write forwarding.
//
// Most applications open a database and speak SQL:
//
//	cfg := absurdersql.NewConfig("app")
//	handle, err := absurdersql.Open(cfg)
//	...
//	res, err := handle.Execute("SELECT * FROM t")
package absurdersql

import (
	"github.com/npiesco/absurder-sql-sub002/internal/config"
	"github.com/npiesco/absurder-sql-sub002/internal/db"
	"github.com/npiesco/absurder-sql-sub002/internal/storage"
)

// Core types for working with databases
type (
	Config           = config.Config
	BackendKind      = config.BackendKind
	Database         = db.Database
	QueryResult      = db.QueryResult
	Metrics          = db.Metrics
	SyncPolicy       = storage.SyncPolicy
	RecoveryOptions  = storage.RecoveryOptions
	RecoveryReport   = storage.RecoveryReport
	BlockStorageInfo = storage.BlockStorageInfo
)

// Backend constants
const (
	BackendFS   = config.BackendFS
	BackendBolt = config.BackendBolt
)

// Checksum algorithms
const (
	AlgoFastHash = storage.AlgoFastHash
	AlgoCRC32    = storage.AlgoCRC32
)

// Error kinds, classifiable with errors.Is
var (
	ErrNotFound            = storage.ErrNotFound
	ErrInvalidParameter    = storage.ErrInvalidParameter
	ErrChecksumMismatch    = storage.ErrChecksumMismatch
	ErrCorrupted           = storage.ErrCorrupted
	ErrWriteForwardTimeout = storage.ErrWriteForwardTimeout
	ErrLeaderChanged       = storage.ErrLeaderChanged
	ErrDatabaseClosed      = storage.ErrDatabaseClosed
	ErrBackendIO           = storage.ErrBackendIO
	ErrSQL                 = storage.ErrSQL
	ErrSizeLimitExceeded   = storage.ErrSizeLimitExceeded
)

// NewConfig returns the default configuration for a database name, reading
// the environment once.
func NewConfig(name string) Config {
	return config.New(name)
}

// Open opens (or creates) the configured database.
func Open(cfg Config) (*Database, error) {
	return db.Open(cfg)
}

// DeleteDatabase erases all backend records and coordination state for a
// database with no open handles in this process.
func DeleteDatabase(cfg Config) error {
	return db.DeleteDatabase(cfg)
}
