package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// Key space inside the per-database bucket, mirroring the object-store
// layout: meta:current, meta:pending, block:<id>.
const (
	boltKeyMetaCurrent = "meta:current"
	boltKeyMetaPending = "meta:pending"
	boltKeyBlockPrefix = "block:"
)

// BoltBackend stores blocks and metadata as keyed records in a bbolt object
// store, one bucket per database. The metadata commit is a two-key swap:
// the blob is staged under meta:pending, then moved to meta:current in a
// single write transaction.
type BoltBackend struct {
	db     *bolt.DB
	bucket []byte
	path   string
	owned  bool
}

// NewBoltBackend opens (or creates) the object store at
// <base>/<normalized_db_name>.boltdb and the database's bucket inside it.
func NewBoltBackend(base, dbName string) (*BoltBackend, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, backendErr("create store dir", err)
	}
	name := NormalizeDBName(dbName)
	path := filepath.Join(base, name+".boltdb")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, backendErr("open object store", err)
	}
	b := &BoltBackend{db: db, bucket: []byte(name), path: path, owned: true}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, backendErr("create bucket", err)
	}
	return b, nil
}

func blockKey(id uint64) []byte {
	return []byte(boltKeyBlockPrefix + strconv.FormatUint(id, 10))
}

// ensureBucket returns the database's bucket, creating it if Destroy removed it.
func (b *BoltBackend) ensureBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	if bkt := tx.Bucket(b.bucket); bkt != nil {
		return bkt, nil
	}
	return tx.CreateBucketIfNotExists(b.bucket)
}

// PutBlock writes the record for id, overwriting any prior value.
func (b *BoltBackend) PutBlock(id uint64, data []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := b.ensureBucket(tx)
		if err != nil {
			return err
		}
		return bkt.Put(blockKey(id), data)
	})
	return backendErr(fmt.Sprintf("put block %d", id), err)
}

// GetBlock reads the record for id, or (nil, nil) if absent.
func (b *BoltBackend) GetBlock(id uint64) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		if bkt == nil {
			return nil
		}
		v := bkt.Get(blockKey(id))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, backendErr(fmt.Sprintf("get block %d", id), err)
	}
	return data, nil
}

// DeleteBlock removes the record for id; no-op if absent.
func (b *BoltBackend) DeleteBlock(id uint64) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		if bkt == nil {
			return nil
		}
		return bkt.Delete(blockKey(id))
	})
	return backendErr(fmt.Sprintf("delete block %d", id), err)
}

// ListBlockIDs enumerates block records currently present.
func (b *BoltBackend) ListBlockIDs() (map[uint64]struct{}, error) {
	ids := make(map[uint64]struct{})
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		prefix := []byte(boltKeyBlockPrefix)
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), boltKeyBlockPrefix); k, _ = c.Next() {
			id, err := strconv.ParseUint(strings.TrimPrefix(string(k), boltKeyBlockPrefix), 10, 64)
			if err != nil {
				continue
			}
			ids[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, backendErr("list blocks", err)
	}
	return ids, nil
}

// BlockRecordSize returns the stored size of the record for id.
func (b *BoltBackend) BlockRecordSize(id uint64) (int64, error) {
	var size int64 = -1
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		if bkt == nil {
			return nil
		}
		if v := bkt.Get(blockKey(id)); v != nil {
			size = int64(len(v))
		}
		return nil
	})
	if err != nil {
		return 0, backendErr(fmt.Sprintf("size block %d", id), err)
	}
	if size < 0 {
		return 0, wrapErrf(ErrNotFound, "block %d", id)
	}
	return size, nil
}

// PutMetadata stages the blob under meta:pending in its own transaction,
// then swaps it to meta:current and clears the pending key in a second one.
// A crash between the two leaves meta:pending behind for recovery, matching
// the filesystem backend's write-then-rename protocol.
func (b *BoltBackend) PutMetadata(serialized []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := b.ensureBucket(tx)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(boltKeyMetaPending), serialized)
	})
	if err != nil {
		return backendErr("stage metadata", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := b.ensureBucket(tx)
		if err != nil {
			return err
		}
		if err := bkt.Put([]byte(boltKeyMetaCurrent), serialized); err != nil {
			return err
		}
		return bkt.Delete([]byte(boltKeyMetaPending))
	})
	return backendErr("install metadata", err)
}

// GetMetadata loads the live metadata, or (nil, nil) if absent.
func (b *BoltBackend) GetMetadata() ([]byte, error) {
	return b.getKey(boltKeyMetaCurrent)
}

// GetPendingMetadata loads a pending metadata record, or (nil, nil) if absent.
func (b *BoltBackend) GetPendingMetadata() ([]byte, error) {
	return b.getKey(boltKeyMetaPending)
}

func (b *BoltBackend) getKey(key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		if bkt == nil {
			return nil
		}
		if v := bkt.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, backendErr("get "+key, err)
	}
	return data, nil
}

// HasPendingMetadata detects an interrupted commit.
func (b *BoltBackend) HasPendingMetadata() (bool, error) {
	data, err := b.GetPendingMetadata()
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

// DiscardPending removes a pending metadata record; no-op if absent.
func (b *BoltBackend) DiscardPending() error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(boltKeyMetaPending))
	})
	return backendErr("discard pending metadata", err)
}

// Flush makes all prior writes durable. Bolt commits each Update with an
// fsync, so there is nothing further to do.
func (b *BoltBackend) Flush() error { return nil }

// Destroy removes every record for this database.
func (b *BoltBackend) Destroy() error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(b.bucket) == nil {
			return nil
		}
		return tx.DeleteBucket(b.bucket)
	})
	return backendErr("destroy bucket", err)
}

// Close closes the underlying object store file.
func (b *BoltBackend) Close() error {
	if !b.owned || b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return backendErr("close object store", err)
}
