package storage

import (
	"context"
	"strings"

	"kvdata/internal/logging"
)

// normalizingDialect lowercases keys and rejects the reserved target key
// before anything reaches the cache or the backend.
type normalizingDialect struct {
	Dialect
	logger *logging.Logger
}

func normalizeKey(key string) string {
	return strings.ToLower(key)
}

func normalizeValues(values map[string]Value) map[string]Value {
	out := make(map[string]Value, len(values))
	// Sorted so that keys differing only in case resolve deterministically.
	for _, key := range sortedKeys(values) {
		out[normalizeKey(key)] = values[key]
	}
	return out
}

func (d *normalizingDialect) GetFromCache(table, target, key string) (Value, bool) {
	return d.Dialect.GetFromCache(table, target, normalizeKey(key))
}

func (d *normalizingDialect) SetToCache(table, target, key string, v Value) {
	key = normalizeKey(key)
	if key == TargetKey {
		d.logger.Warn("Ignoring write to reserved key", "table", table, "target", target, "key", key)
		return
	}
	d.Dialect.SetToCache(table, target, key, v)
}

func (d *normalizingDialect) MarkRemovedInCache(table, target, key string) {
	key = normalizeKey(key)
	if key == TargetKey {
		return
	}
	d.Dialect.MarkRemovedInCache(table, target, key)
}

func (d *normalizingDialect) FillCache(table, target, key string, v Value) {
	d.Dialect.FillCache(table, target, normalizeKey(key), v)
}

func (d *normalizingDialect) RefreshCache(table, target, key string, v Value) {
	d.Dialect.RefreshCache(table, target, normalizeKey(key), v)
}

func (d *normalizingDialect) GetFromDatabase(ctx context.Context, table, target, key string) (Value, error) {
	key = normalizeKey(key)
	if key == TargetKey {
		return Null(), nil
	}
	return d.Dialect.GetFromDatabase(ctx, table, target, key)
}

func (d *normalizingDialect) SetToDatabase(ctx context.Context, table, target, key string, v Value) *FailedSet {
	failed := d.SetAllToDatabase(ctx, table, target, map[string]Value{key: v})
	if len(failed) == 0 {
		return nil
	}
	return &failed[0]
}

func (d *normalizingDialect) SetAllToDatabase(ctx context.Context, table, target string, values map[string]Value) []FailedSet {
	values = normalizeValues(values)
	var failed []FailedSet
	if v, ok := values[TargetKey]; ok {
		failed = append(failed, FailedSet{Table: table, Target: target, Key: TargetKey, Value: v, Err: ErrReservedKey})
		delete(values, TargetKey)
	}
	return append(failed, d.Dialect.SetAllToDatabase(ctx, table, target, values)...)
}

func (d *normalizingDialect) RemoveFromDatabase(ctx context.Context, table, target, key string) error {
	key = normalizeKey(key)
	if key == TargetKey {
		return ErrReservedKey
	}
	return d.Dialect.RemoveFromDatabase(ctx, table, target, key)
}
