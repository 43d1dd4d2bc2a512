package coord

import (
	"strings"
	"sync"
)

// MemRegistry is the process-local registry used with the object-store
// backend, whose file lock forbids sharing across processes: every opener
// in the process coordinates through one shared map.
type MemRegistry struct {
	mu   sync.Mutex
	keys map[string]string
}

var (
	sharedMemOnce sync.Once
	sharedMem     *MemRegistry
)

// SharedMemRegistry returns the process-wide registry instance.
func SharedMemRegistry() *MemRegistry {
	sharedMemOnce.Do(func() {
		sharedMem = NewMemRegistry()
	})
	return sharedMem
}

// NewMemRegistry returns an isolated in-memory registry. Tests use isolated
// instances; production code shares one via SharedMemRegistry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{keys: make(map[string]string)}
}

// Get returns the value for key and whether it exists.
func (r *MemRegistry) Get(key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.keys[key]
	return v, ok, nil
}

// CompareAndSet writes value only if the current value equals old.
func (r *MemRegistry) CompareAndSet(key, old, value string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, exists := r.keys[key]
	if old == "" && exists {
		return false, nil
	}
	if old != "" && (!exists || current != old) {
		return false, nil
	}
	r.keys[key] = value
	return true, nil
}

// Set writes value unconditionally.
func (r *MemRegistry) Set(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key] = value
	return nil
}

// Delete removes key; no-op if absent.
func (r *MemRegistry) Delete(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
	return nil
}

// List returns every key with the given prefix.
func (r *MemRegistry) List(prefix string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for k := range r.keys {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close releases nothing.
func (r *MemRegistry) Close() error { return nil }
