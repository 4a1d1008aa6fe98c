package storage

import (
	"context"

	"kvdata/internal/cache"
)

// Dialect is the uniform contract every backend is reached through. Table
// arguments are logical names; keys are lowercased before reaching the
// backend.
type Dialect interface {
	// Cache-only operations; the backend is never touched.
	GetFromCache(table, target, key string) (Value, bool)
	SetToCache(table, target, key string, v Value)
	MarkRemovedInCache(table, target, key string)
	// FillCache stores a value just read from the backend without marking
	// it for write-back.
	FillCache(table, target, key string, v Value)
	// RefreshCache replaces an already cached value after a direct backend
	// write.
	RefreshCache(table, target, key string, v Value)

	// SaveCache writes every pending value back. Failed values stay cached
	// and are retried by the next flush.
	SaveCache(ctx context.Context) []FailedSet
	SaveTargetCache(ctx context.Context, table, target string, evict bool) []FailedSet
	ClearCache()
	CacheStats() cache.Stats

	GetFromDatabase(ctx context.Context, table, target, key string) (Value, error)
	SetToDatabase(ctx context.Context, table, target, key string, v Value) *FailedSet
	SetAllToDatabase(ctx context.Context, table, target string, values map[string]Value) []FailedSet
	RemoveFromDatabase(ctx context.Context, table, target, key string) error

	// MigrationData returns a full copy of the backend.
	MigrationData(ctx context.Context) (*MigrationData, error)
	Close() error
}

// Backend is the database half of a Dialect. Each storage method supplies
// one; the cache half is shared.
type Backend interface {
	Get(ctx context.Context, table, target, key string) (Value, error)
	// SetAll writes all values of one target in as few round trips as the
	// backend allows. Null values clear the key.
	SetAll(ctx context.Context, table, target string, values map[string]Value) []FailedSet
	Remove(ctx context.Context, table, target, key string) error
	MigrationData(ctx context.Context) (*MigrationData, error)
	Close() error
}

// SchemaPreparer is implemented by backends that need tables and columns
// to exist before bulk writes.
type SchemaPreparer interface {
	PrepareSchema(ctx context.Context, columns map[string][]string) error
}

// pinger is implemented by backends that hold their own network client.
type pinger interface {
	Ping(ctx context.Context) error
}
