package storage

// Backend persists raw block bytes and the serialized metadata blob.
// Two implementations exist: a filesystem tree (FSBackend) and an embedded
// object store (BoltBackend). Both observe the same contract:
//
//   - PutBlock writes exactly BlockSize bytes, overwriting any prior record;
//     the write is durable only after Flush.
//   - GetBlock returns (nil, nil) when no record exists for the id.
//   - PutMetadata stages the blob as a pending record, then atomically
//     replaces the live record. A crash between stage and swap leaves the
//     pending record behind for recovery to find.
//
// Partial records (wrong size) indicate corruption and are reconciled by the
// recovery engine, never silently served.
type Backend interface {
	// PutBlock writes the record for id. data must be exactly the block size.
	PutBlock(id uint64, data []byte) error

	// GetBlock reads the record for id, or (nil, nil) if absent.
	GetBlock(id uint64) ([]byte, error)

	// DeleteBlock removes the record for id; no-op if absent.
	DeleteBlock(id uint64) error

	// ListBlockIDs enumerates records currently present. Recovery only.
	ListBlockIDs() (map[uint64]struct{}, error)

	// BlockRecordSize returns the stored size of the record for id, or
	// ErrNotFound. Recovery uses it to detect invalid-sized records without
	// reading block contents.
	BlockRecordSize(id uint64) (int64, error)

	// PutMetadata stages then atomically installs the serialized metadata.
	PutMetadata(serialized []byte) error

	// GetMetadata loads the live metadata, or (nil, nil) if absent.
	GetMetadata() ([]byte, error)

	// GetPendingMetadata loads the pending metadata, or (nil, nil) if absent.
	GetPendingMetadata() ([]byte, error)

	// HasPendingMetadata detects an interrupted commit.
	HasPendingMetadata() (bool, error)

	// DiscardPending removes a pending metadata record; no-op if absent.
	DiscardPending() error

	// Flush makes all prior writes durable.
	Flush() error

	// Destroy removes every record for this database.
	Destroy() error

	// Close releases backend resources. Not a flush.
	Close() error
}
