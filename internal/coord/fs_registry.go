package coord

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// FSRegistry implements the coordination registry as files under
// <base>/_coord/. Read-modify-write sequences serialize on a flock'd lock
// file, which is what makes CompareAndSet atomic across processes.
type FSRegistry struct {
	dir      string
	lockPath string
}

// NewFSRegistry creates (if needed) the coordination directory under base.
func NewFSRegistry(base string) (*FSRegistry, error) {
	dir := filepath.Join(base, "_coord")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create coord dir: %w", err)
	}
	return &FSRegistry{dir: dir, lockPath: filepath.Join(dir, ".lock")}, nil
}

// Dir returns the coordination directory; the channel shares it.
func (r *FSRegistry) Dir() string { return r.dir }

// keyPath maps a key to its file. Keys contain only [A-Za-z0-9_-] by
// construction, so no escaping is needed.
func (r *FSRegistry) keyPath(key string) string {
	return filepath.Join(r.dir, key+".key")
}

// withLock runs fn while holding the registry-wide flock.
func (r *FSRegistry) withLock(fn func() error) error {
	f, err := os.OpenFile(r.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open coord lock: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock coord registry: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

func (r *FSRegistry) readKey(key string) (string, bool, error) {
	data, err := os.ReadFile(r.keyPath(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read key %s: %w", key, err)
	}
	return strings.TrimSuffix(string(data), "\n"), true, nil
}

func (r *FSRegistry) writeKey(key, value string) error {
	tmp := r.keyPath(key) + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write key %s: %w", key, err)
	}
	if err := os.Rename(tmp, r.keyPath(key)); err != nil {
		return fmt.Errorf("install key %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key and whether it exists.
func (r *FSRegistry) Get(key string) (string, bool, error) {
	var value string
	var ok bool
	err := r.withLock(func() error {
		var err error
		value, ok, err = r.readKey(key)
		return err
	})
	return value, ok, err
}

// CompareAndSet writes value only if the current value equals old; an empty
// old requires the key to be absent.
func (r *FSRegistry) CompareAndSet(key, old, value string) (bool, error) {
	var swapped bool
	err := r.withLock(func() error {
		current, exists, err := r.readKey(key)
		if err != nil {
			return err
		}
		if old == "" && exists {
			return nil
		}
		if old != "" && (!exists || current != old) {
			return nil
		}
		if err := r.writeKey(key, value); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// Set writes value unconditionally.
func (r *FSRegistry) Set(key, value string) error {
	return r.withLock(func() error { return r.writeKey(key, value) })
}

// Delete removes key; no-op if absent.
func (r *FSRegistry) Delete(key string) error {
	return r.withLock(func() error {
		err := os.Remove(r.keyPath(key))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete key %s: %w", key, err)
		}
		return nil
	})
}

// List returns every key with the given prefix.
func (r *FSRegistry) List(prefix string) ([]string, error) {
	var keys []string
	err := r.withLock(func() error {
		entries, err := os.ReadDir(r.dir)
		if err != nil {
			return fmt.Errorf("list keys: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if !strings.HasSuffix(name, ".key") {
				continue
			}
			key := strings.TrimSuffix(name, ".key")
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	return keys, err
}

// Close releases registry resources. The filesystem registry holds none.
func (r *FSRegistry) Close() error { return nil }
