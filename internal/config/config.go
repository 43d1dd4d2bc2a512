// Package config carries the open-time configuration record for a database.
// Environment lookups happen once, in New; nothing re-reads the environment
// after construction.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/npiesco/absurder-sql-sub002/internal/storage"
)

// BackendKind selects the persistence substrate.
type BackendKind string

const (
	// BackendFS persists blocks as a filesystem tree.
	BackendFS BackendKind = "fs"

	// BackendBolt persists blocks in an embedded object store.
	BackendBolt BackendKind = "bolt"
)

// Config is the per-open configuration record.
type Config struct {
	// Name is the logical database name; "app" and "app.db" are the same
	// database.
	Name string `mapstructure:"name"`

	// Backend selects the persistence substrate. Defaults to BackendFS.
	Backend BackendKind `mapstructure:"backend"`

	// BaseDir roots the backend's storage. Defaults to ABSURDERSQL_FS_BASE
	// or ".absurdersql".
	BaseDir string `mapstructure:"base_dir"`

	// CacheSize bounds the in-memory block cache (entries).
	CacheSize int `mapstructure:"cache_size"`

	// PageSize is handed to the SQL engine; it may be smaller than the
	// block size, in which case partial-block writes read-modify-write.
	PageSize int `mapstructure:"page_size"`

	// BlockSize is the persistence unit. Defaults to 4096.
	BlockSize uint32 `mapstructure:"block_size"`

	// JournalMode is the engine journal pragma. The block layer reports
	// power-safe atomic writes, so "memory" is safe and the default.
	JournalMode string `mapstructure:"journal_mode"`

	// AutoVacuum is the engine auto_vacuum pragma; empty leaves the engine
	// default.
	AutoVacuum string `mapstructure:"auto_vacuum"`

	// EncryptionKey is handed to the external encryption adapter; the block
	// layer itself never reads it.
	EncryptionKey string `mapstructure:"encryption_key"`

	// ChecksumAlgorithm selects the per-block checksum at creation time.
	// After creation the persisted per-block algo is authoritative.
	ChecksumAlgorithm storage.ChecksumAlgorithm `mapstructure:"checksum_algorithm"`

	// MaxExportSizeBytes bounds export/import images; 0 means unlimited.
	MaxExportSizeBytes int64 `mapstructure:"max_export_size_bytes"`

	// SyncPolicy drives the auto-sync scheduler.
	SyncPolicy storage.SyncPolicy `mapstructure:"sync_policy"`

	// Recovery configures the open-time recovery pass.
	Recovery storage.RecoveryOptions `mapstructure:"-"`

	// LeaseDuration (L) bounds a leader lease. Default 5s.
	LeaseDuration time.Duration `mapstructure:"lease_duration"`

	// HeartbeatInterval (H) renews the lease. Default 1s; H must be well
	// under L.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// WriteForwardTimeout bounds a follower's wait for leader confirmation.
	// Default 5s.
	WriteForwardTimeout time.Duration `mapstructure:"write_forward_timeout"`

	// AllowNonLeaderWrites lets followers write locally, last writer wins.
	AllowNonLeaderWrites bool `mapstructure:"allow_non_leader_writes"`

	// Optimistic acks follower writes locally before leader confirmation.
	Optimistic bool `mapstructure:"optimistic"`
}

// New returns a Config for name with defaults applied and the environment
// consulted exactly once.
func New(name string) Config {
	cfg := Config{
		Name:                name,
		Backend:             BackendFS,
		BaseDir:             storage.DefaultFSBase(),
		CacheSize:           storage.DefaultCacheCapacity,
		BlockSize:           storage.DefaultBlockSize,
		PageSize:            storage.DefaultBlockSize,
		JournalMode:         "memory",
		ChecksumAlgorithm:   storage.AlgorithmFromEnv(),
		Recovery:            storage.DefaultRecoveryOptions(),
		LeaseDuration:       5 * time.Second,
		HeartbeatInterval:   time.Second,
		WriteForwardTimeout: 5 * time.Second,
	}
	return cfg
}

// LoadFile overlays settings from a YAML config file onto cfg.
func LoadFile(cfg Config, path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults fills unset fields with the defaults of New.
func (c Config) WithDefaults() Config {
	d := New(c.Name)
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.BaseDir == "" {
		c.BaseDir = d.BaseDir
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.BlockSize == 0 {
		c.BlockSize = d.BlockSize
	}
	if c.PageSize <= 0 {
		c.PageSize = int(c.BlockSize)
	}
	if c.JournalMode == "" {
		c.JournalMode = d.JournalMode
	}
	if !c.ChecksumAlgorithm.Valid() {
		c.ChecksumAlgorithm = d.ChecksumAlgorithm
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.WriteForwardTimeout <= 0 {
		c.WriteForwardTimeout = d.WriteForwardTimeout
	}
	return c
}

// Validate checks invariants that cannot be defaulted away.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: %w: name is required", storage.ErrInvalidParameter)
	}
	if c.PageSize > int(c.BlockSize) {
		return fmt.Errorf("config: %w: page_size %d exceeds block_size %d", storage.ErrInvalidParameter, c.PageSize, c.BlockSize)
	}
	if c.HeartbeatInterval >= c.LeaseDuration {
		return fmt.Errorf("config: %w: heartbeat_interval must be below lease_duration", storage.ErrInvalidParameter)
	}
	return nil
}

// NewBackend constructs the configured backend for the database.
func (c Config) NewBackend() (storage.Backend, error) {
	switch c.Backend {
	case BackendBolt:
		return storage.NewBoltBackend(c.BaseDir, c.Name)
	case BackendFS, "":
		return storage.NewFSBackend(c.BaseDir, c.Name)
	default:
		return nil, fmt.Errorf("config: %w: unknown backend %q", storage.ErrInvalidParameter, c.Backend)
	}
}

// StorageOptions maps the config onto block storage options.
func (c Config) StorageOptions() storage.Options {
	return storage.Options{
		BlockSize:         c.BlockSize,
		CacheCapacity:     c.CacheSize,
		Algorithm:         c.ChecksumAlgorithm,
		VerifyBeforeWrite: c.SyncPolicy.VerifyAfterWrite,
		Recovery:          c.Recovery,
	}
}
