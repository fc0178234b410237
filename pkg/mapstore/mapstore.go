// Package mapstore persists UID/GID assignments in an external Redis
// key-value store so allocations survive restarts. The store is
// optional: when it is unreachable the process keeps running with
// in-memory allocation only and reports degraded health.
package mapstore

import (
	"context"
	"strings"
	"time"
)

// KeyPrefix namespaces every key this process writes. The full key shape
// is observable: ldaptoid:{user|group|synthetic}:{idpId}.
const KeyPrefix = "ldaptoid:"

// DefaultOpTimeout bounds a single store operation.
const DefaultOpTimeout = 3 * time.Second

// Record is one persisted id assignment. UID is set for user keys, GID
// for group and synthetic keys.
type Record struct {
	UID       int
	GID       int
	Timestamp time.Time
}

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Put persists one assignment. A written (key, id) pair is never
	// changed afterwards.
	Put(ctx context.Context, key string, rec Record) error

	// Get returns the record for key, with found=false when absent.
	Get(ctx context.Context, key string) (Record, bool, error)

	// List returns every record under the key prefix.
	List(ctx context.Context) (map[string]Record, error)

	// Ping reports reachability.
	Ping(ctx context.Context) bool
}

// StorageKey prepends the process namespace to an allocator key such as
// "user:42".
func StorageKey(allocatorKey string) string {
	return KeyPrefix + allocatorKey
}

// AllocatorKey strips the namespace from a storage key. ok is false for
// keys outside the namespace.
func AllocatorKey(storageKey string) (string, bool) {
	if !strings.HasPrefix(storageKey, KeyPrefix) {
		return "", false
	}
	return storageKey[len(KeyPrefix):], true
}
