// Package coord provides cross-instance coordination for openers of the
// same logical database: leader election over a shared keyed registry with
// lease and heartbeat, a broadcast channel for typed notifications, and the
// key schema shared by every opener.
package coord

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/npiesco/absurder-sql-sub002/internal/storage"
)

// Key schema for the shared coordination namespace.
func leaderKey(db string) string { return "leader_" + db }

func instancesKey(db string) string { return "instances_" + db }

func heartbeatKey(instance, db string) string { return "heartbeat_" + instance + "_" + db }

// Registry is the shared keyed store the election runs over. Implementations
// must make CompareAndSet atomic with respect to concurrent writers.
type Registry interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (string, bool, error)

	// CompareAndSet writes value only if the current value equals old.
	// old == "" means the key must not exist. Returns false on mismatch.
	CompareAndSet(key, old, value string) (bool, error)

	// Set writes value unconditionally.
	Set(key, value string) error

	// Delete removes key; no-op if absent.
	Delete(key string) error

	// List returns every key with the given prefix.
	List(prefix string) ([]string, error)

	// Close releases registry resources.
	Close() error
}

// Lease is the parsed leader record: "<instance_id>:<expiry_ms>:<epoch>".
type Lease struct {
	InstanceID string
	ExpiryMS   int64
	Epoch      uint64
}

// Encode renders the lease in the shared key format.
func (l Lease) Encode() string {
	return fmt.Sprintf("%s:%d:%d", l.InstanceID, l.ExpiryMS, l.Epoch)
}

// ParseLease decodes a leader record. Malformed records return an error;
// the election treats them as expired leases with epoch zero.
func ParseLease(s string) (Lease, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Lease{}, fmt.Errorf("parse lease %q: %w", s, storage.ErrInvalidParameter)
	}
	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Lease{}, fmt.Errorf("parse lease expiry %q: %w", s, storage.ErrInvalidParameter)
	}
	epoch, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Lease{}, fmt.Errorf("parse lease epoch %q: %w", s, storage.ErrInvalidParameter)
	}
	return Lease{InstanceID: parts[0], ExpiryMS: expiry, Epoch: epoch}, nil
}

// Expired reports whether the lease expiry is in the past at nowMS.
func (l Lease) Expired(nowMS int64) bool {
	return l.ExpiryMS <= nowMS
}

// parseInstances splits the comma-separated instances record.
func parseInstances(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func encodeInstances(ids []string) string {
	return strings.Join(ids, ",")
}
