package store

import (
	"context"
	"time"
)

// Store is a key-value store with per-key TTL and atomic conditional writes.
//
// A ttl of zero means the key never expires. Keys that expired are absent for
// every operation, including Scan.
type Store interface {
	// Get returns the value stored at key. The boolean reports presence.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set unconditionally stores value at key.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value at key with new only when the current
	// value equals old.
	CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only when its current value equals old.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Scan returns every live entry whose key starts with prefix. Results may
	// include entries that logically expired a moment ago; callers re-filter.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// Entry is a key and its raw value as returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}
