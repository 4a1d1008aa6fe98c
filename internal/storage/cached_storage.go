package storage

import (
	"context"
	"time"

	"kvdata/internal/cache"
	"kvdata/internal/logging"
)

// cachedDialect puts the write-behind cache in front of a Backend.
type cachedDialect struct {
	backend Backend
	cache   *cache.WriteBehind
	logger  *logging.Logger
	method  string
}

var _ Dialect = (*cachedDialect)(nil)

func newDialect(m *DataManager, backend Backend) *cachedDialect {
	return &cachedDialect{
		backend: backend,
		cache:   cache.New(),
		logger:  m.Logger().WithField("method", m.Config().Method().Name),
		method:  m.Config().Method().Name,
	}
}

func (d *cachedDialect) GetFromCache(table, target, key string) (Value, bool) {
	return d.cache.Get(table, target, key)
}

func (d *cachedDialect) SetToCache(table, target, key string, v Value) {
	d.cache.Put(table, target, key, v)
}

func (d *cachedDialect) MarkRemovedInCache(table, target, key string) {
	d.cache.Put(table, target, key, Null())
}

func (d *cachedDialect) FillCache(table, target, key string, v Value) {
	d.cache.Fill(table, target, key, v)
}

func (d *cachedDialect) RefreshCache(table, target, key string, v Value) {
	d.cache.Update(table, target, key, v)
}

func (d *cachedDialect) SaveCache(ctx context.Context) []FailedSet {
	var failed []FailedSet
	batches := d.cache.Dirty()
	for _, batch := range batches {
		failed = append(failed, d.flush(ctx, batch)...)
	}
	if len(batches) > 0 {
		d.logger.DebugContext(ctx, "Cache flushed", "targets", len(batches), "failed", len(failed))
	}
	return failed
}

func (d *cachedDialect) SaveTargetCache(ctx context.Context, table, target string, evict bool) []FailedSet {
	var failed []FailedSet
	if batch, ok := d.cache.DirtyTarget(table, target); ok {
		failed = d.flush(ctx, batch)
	}
	if evict && len(failed) == 0 {
		d.cache.Evict(table, target)
	}
	return failed
}

// flush writes one snapshot batch and marks the written entries clean.
func (d *cachedDialect) flush(ctx context.Context, batch cache.Batch) []FailedSet {
	start := time.Now()
	failed := d.backend.SetAll(ctx, batch.Table, batch.Target, batch.Values)

	var failedKeys map[string]bool
	if len(failed) > 0 {
		failedKeys = make(map[string]bool, len(failed))
		for _, f := range failed {
			failedKeys[f.Key] = true
			d.logger.WarnContext(ctx, "Failed to save cached value",
				"table", f.Table,
				"target", f.Target,
				"key", f.Key,
				"error", f.Err,
			)
		}
	}
	d.cache.Commit(batch, failedKeys)
	d.logger.DatabaseOperation(ctx, "flush", batch.Table, batch.Target, time.Since(start), nil)
	return failed
}

func (d *cachedDialect) ClearCache() {
	d.cache.Clear()
}

func (d *cachedDialect) CacheStats() cache.Stats {
	return d.cache.Stats()
}

func (d *cachedDialect) GetFromDatabase(ctx context.Context, table, target, key string) (Value, error) {
	start := time.Now()
	v, err := d.backend.Get(ctx, table, target, key)
	d.logger.DatabaseOperation(ctx, "get", table, target, time.Since(start), err)
	return v, err
}

func (d *cachedDialect) SetToDatabase(ctx context.Context, table, target, key string, v Value) *FailedSet {
	failed := d.SetAllToDatabase(ctx, table, target, map[string]Value{key: v})
	if len(failed) == 0 {
		return nil
	}
	return &failed[0]
}

func (d *cachedDialect) SetAllToDatabase(ctx context.Context, table, target string, values map[string]Value) []FailedSet {
	if len(values) == 0 {
		return nil
	}
	start := time.Now()
	failed := d.backend.SetAll(ctx, table, target, values)
	var err error
	if len(failed) > 0 {
		err = failed[0].Err
	}
	d.logger.DatabaseOperation(ctx, "set", table, target, time.Since(start), err)
	return failed
}

func (d *cachedDialect) RemoveFromDatabase(ctx context.Context, table, target, key string) error {
	start := time.Now()
	err := d.backend.Remove(ctx, table, target, key)
	d.logger.DatabaseOperation(ctx, "remove", table, target, time.Since(start), err)
	return err
}

func (d *cachedDialect) MigrationData(ctx context.Context) (*MigrationData, error) {
	return d.backend.MigrationData(ctx)
}

func (d *cachedDialect) Close() error {
	return d.backend.Close()
}
