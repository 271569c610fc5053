// Package cache provides the engine's TTL response cache. Three backends
// implement the same Store interface: an in-process map, a SQLite file that
// survives restarts, and Redis for a shared cache between processes.
//
// The cache holds opaque serialized values. Two namespaces keep schema
// lookups and row sets independently sized and expired: metadata entries
// (schemas, listings) and records entries (row sets keyed by the remote
// parameter signature).
package cache

import (
	"context"
	"time"
)

// Namespace separates the two entry populations.
type Namespace string

const (
	NamespaceMetadata Namespace = "metadata"
	NamespaceRecords  Namespace = "records"
)

// Key identifies one cache entry. The Signature is empty for metadata
// entries and carries the canonical remote parameters for records entries.
type Key struct {
	Namespace Namespace
	Address   string
	Signature string
}

// ID returns the key's identifier within its namespace. The address comes
// first so that address-prefixed invalidation works on the encoded form.
func (k Key) ID() string {
	if k.Signature == "" {
		return k.Address
	}
	return k.Address + "|" + k.Signature
}

// Stats is a point-in-time snapshot of a store's counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int64
}

// Store is a TTL cache. Get treats expired entries as absent. Put with a
// non-positive TTL stores nothing: a zero TTL is how a namespace is
// disabled. Implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Put(ctx context.Context, key Key, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, ns Namespace, addressPrefix string) error
	Stats() Stats
	Close() error
}

// Disabled is the Store used when caching is turned off. Every Get misses
// and every Put is discarded.
type Disabled struct{}

var _ Store = Disabled{}

func (Disabled) Get(context.Context, Key) ([]byte, bool, error) { return nil, false, nil }

func (Disabled) Put(context.Context, Key, []byte, time.Duration) error { return nil }

func (Disabled) Invalidate(context.Context, Namespace, string) error { return nil }

func (Disabled) Stats() Stats { return Stats{} }

func (Disabled) Close() error { return nil }
