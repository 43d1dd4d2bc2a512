package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FSBaseEnv overrides the default base directory for the filesystem backend.
const FSBaseEnv = "ABSURDERSQL_FS_BASE"

const (
	blocksDirName       = "blocks"
	metadataFileName    = "metadata.json"
	metadataPendingName = "metadata.json.pending"
)

// DefaultFSBase returns the base directory for filesystem-backed databases:
// ABSURDERSQL_FS_BASE if set, else ".absurdersql" under the working directory.
// The environment lookup belongs in config construction; this helper is the
// single place that reads it.
func DefaultFSBase() string {
	if base := os.Getenv(FSBaseEnv); base != "" {
		return base
	}
	return ".absurdersql"
}

// NormalizeDBName maps a logical database name to its canonical form: the
// final path element with any ".db" suffix stripped. "app", "app.db" and
// "/tmp/app.db" all refer to the same database.
func NormalizeDBName(name string) string {
	name = filepath.Base(filepath.ToSlash(name))
	name = strings.TrimSuffix(name, ".db")
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "db"
	}
	return name
}

// FSBackend persists blocks as one file per block under
// <base>/<normalized_db_name>/blocks/block_<id>.bin with a sibling
// metadata.json. The pending metadata file is staged next to the live one and
// renamed into place, so a crash mid-commit leaves metadata.json.pending
// behind for recovery.
type FSBackend struct {
	dbDir     string
	blocksDir string
}

// NewFSBackend creates (if needed) the on-disk tree for the database and
// returns a backend rooted at it.
func NewFSBackend(base, dbName string) (*FSBackend, error) {
	dbDir := filepath.Join(base, NormalizeDBName(dbName))
	blocksDir := filepath.Join(dbDir, blocksDirName)
	if err := os.MkdirAll(blocksDir, 0o755); err != nil {
		return nil, backendErr("create blocks dir", err)
	}
	return &FSBackend{dbDir: dbDir, blocksDir: blocksDir}, nil
}

// Dir returns the database directory. Tests use it to simulate crashes.
func (b *FSBackend) Dir() string { return b.dbDir }

func blockFileName(id uint64) string {
	return fmt.Sprintf("block_%d.bin", id)
}

func (b *FSBackend) blockPath(id uint64) string {
	return filepath.Join(b.blocksDir, blockFileName(id))
}

// PutBlock writes the record for id, overwriting any prior value.
func (b *FSBackend) PutBlock(id uint64, data []byte) error {
	f, err := os.OpenFile(b.blockPath(id), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return backendErr(fmt.Sprintf("open block %d", id), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return backendErr(fmt.Sprintf("write block %d", id), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return backendErr(fmt.Sprintf("sync block %d", id), err)
	}
	if err := f.Close(); err != nil {
		return backendErr(fmt.Sprintf("close block %d", id), err)
	}
	return nil
}

// GetBlock reads the record for id, or (nil, nil) if absent.
func (b *FSBackend) GetBlock(id uint64) ([]byte, error) {
	data, err := os.ReadFile(b.blockPath(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr(fmt.Sprintf("read block %d", id), err)
	}
	return data, nil
}

// DeleteBlock removes the record for id; no-op if absent.
func (b *FSBackend) DeleteBlock(id uint64) error {
	err := os.Remove(b.blockPath(id))
	if err != nil && !os.IsNotExist(err) {
		return backendErr(fmt.Sprintf("delete block %d", id), err)
	}
	return nil
}

// ListBlockIDs enumerates block files currently present.
func (b *FSBackend) ListBlockIDs() (map[uint64]struct{}, error) {
	entries, err := os.ReadDir(b.blocksDir)
	if os.IsNotExist(err) {
		return map[uint64]struct{}{}, nil
	}
	if err != nil {
		return nil, backendErr("list blocks", err)
	}
	ids := make(map[uint64]struct{}, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "block_") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, "block_"), ".bin")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}

// BlockRecordSize returns the stored size of the record for id.
func (b *FSBackend) BlockRecordSize(id uint64) (int64, error) {
	fi, err := os.Stat(b.blockPath(id))
	if os.IsNotExist(err) {
		return 0, wrapErrf(ErrNotFound, "block %d", id)
	}
	if err != nil {
		return 0, backendErr(fmt.Sprintf("stat block %d", id), err)
	}
	return fi.Size(), nil
}

// PutMetadata stages the blob as metadata.json.pending, fsyncs, then renames
// it over metadata.json. The rename is the commit point.
func (b *FSBackend) PutMetadata(serialized []byte) error {
	pending := filepath.Join(b.dbDir, metadataPendingName)
	f, err := os.OpenFile(pending, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return backendErr("stage metadata", err)
	}
	if _, err := f.Write(serialized); err != nil {
		f.Close()
		return backendErr("write pending metadata", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return backendErr("sync pending metadata", err)
	}
	if err := f.Close(); err != nil {
		return backendErr("close pending metadata", err)
	}
	if err := os.Rename(pending, filepath.Join(b.dbDir, metadataFileName)); err != nil {
		return backendErr("install metadata", err)
	}
	return nil
}

// GetMetadata loads the live metadata, or (nil, nil) if absent.
func (b *FSBackend) GetMetadata() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dbDir, metadataFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr("read metadata", err)
	}
	return data, nil
}

// GetPendingMetadata loads a pending metadata record, or (nil, nil) if absent.
func (b *FSBackend) GetPendingMetadata() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dbDir, metadataPendingName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr("read pending metadata", err)
	}
	return data, nil
}

// HasPendingMetadata detects an interrupted commit.
func (b *FSBackend) HasPendingMetadata() (bool, error) {
	_, err := os.Stat(filepath.Join(b.dbDir, metadataPendingName))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, backendErr("stat pending metadata", err)
	}
	return true, nil
}

// DiscardPending removes a pending metadata record; no-op if absent.
func (b *FSBackend) DiscardPending() error {
	err := os.Remove(filepath.Join(b.dbDir, metadataPendingName))
	if err != nil && !os.IsNotExist(err) {
		return backendErr("discard pending metadata", err)
	}
	return nil
}

// Flush fsyncs the database directory so renames and deletions are durable.
func (b *FSBackend) Flush() error {
	for _, dir := range []string{b.blocksDir, b.dbDir} {
		d, err := os.Open(dir)
		if err != nil {
			return backendErr("open dir for sync", err)
		}
		if err := d.Sync(); err != nil {
			d.Close()
			return backendErr("sync dir", err)
		}
		if err := d.Close(); err != nil {
			return backendErr("close dir", err)
		}
	}
	return nil
}

// Destroy removes every record for this database.
func (b *FSBackend) Destroy() error {
	if err := os.RemoveAll(b.dbDir); err != nil {
		return backendErr("destroy database dir", err)
	}
	return nil
}

// Close releases backend resources. The filesystem backend holds none.
func (b *FSBackend) Close() error { return nil }
