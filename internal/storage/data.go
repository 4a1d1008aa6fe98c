package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"kvdata/internal/config"
	"kvdata/internal/logging"
	"kvdata/internal/tracing"
)

// AccessOption tunes a single Data call.
type AccessOption func(*accessOptions)

type accessOptions struct {
	cache *bool
}

// WithCache overrides the cache.enabled setting for one call.
func WithCache(enabled bool) AccessOption {
	return func(o *accessOptions) {
		o.cache = &enabled
	}
}

func useCache(m *DataManager, opts []AccessOption) bool {
	var o accessOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.cache != nil {
		return *o.cache
	}
	return m.Config().CacheEnabled()
}

// Observer is told about every facade call and migration.
type Observer interface {
	ObserveOperation(method, operation string, cached bool, duration time.Duration, failed int)
	ObserveMigration(report *MigrationReport, err error)
}

type observerBox struct {
	Observer
}

// Data is the host-facing API. Failures are logged and never returned; a
// failed read yields a missing value.
type Data struct {
	manager  atomic.Pointer[DataManager]
	state    atomic.Int32
	migrator *Migrator
	logger   *logging.Logger
	observer atomic.Pointer[observerBox]

	// Writes hold the read side; a migration holds the write side so that
	// nothing lands in the old backend after its snapshot was taken.
	writeMu   sync.RWMutex
	migrateMu sync.Mutex
}

// NewData wraps a manager. migrator may be nil when migration is not used.
func NewData(manager *DataManager, migrator *Migrator) *Data {
	d := &Data{
		migrator: migrator,
		logger:   manager.Logger(),
	}
	d.manager.Store(manager)
	return d
}

type OpenOptions struct {
	StorageFile string
	DataDir     string
	AppName     string
	Logger      *logging.Logger
}

// Open loads the storage file, writing the default one if it is missing,
// connects to the backend, starts the interval flush and runs a pending
// migration.
func Open(ctx context.Context, opts OpenOptions) (*Data, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(opts.StorageFile), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage file directory: %w", err)
	}
	if err := config.WriteDefaultStorageFile(opts.StorageFile); err != nil {
		return nil, err
	}

	file, err := config.LoadStorageFile(opts.StorageFile)
	if err != nil {
		return nil, err
	}
	cfg, err := NewStorageConfig(file, opts.AppName, opts.Logger)
	if err != nil {
		return nil, err
	}

	managerOpts := ManagerOptions{DataDir: opts.DataDir, Logger: opts.Logger}
	manager, err := NewDataManager(ctx, cfg, managerOpts)
	if err != nil {
		return nil, err
	}
	manager.StartIntervalFlush()

	d := NewData(manager, NewMigrator(PathsFor(opts.StorageFile), opts.AppName, managerOpts))
	if _, err := d.CheckMigration(ctx); err != nil {
		d.logger.Error("Storage migration failed", "error", err)
	}
	return d, nil
}

// SetObserver replaces the observer. A nil observer stops reporting.
func (d *Data) SetObserver(o Observer) {
	if o == nil {
		d.observer.Store(nil)
		return
	}
	d.observer.Store(&observerBox{o})
}

// track opens a span for one call and returns the function that closes it
// and reports the call to the observer.
func (d *Data) track(ctx context.Context, m *DataManager, operation, table, target string, cached bool) (context.Context, func(failed int, err error)) {
	start := time.Now()
	method := m.Config().Method().Name
	ctx, span := tracing.StartStorageSpan(ctx, operation, method, table, target, cached)
	return ctx, func(failed int, err error) {
		if err != nil && failed == 0 {
			failed = 1
		}
		tracing.End(span, failed, err)
		if o := d.observer.Load(); o != nil {
			o.ObserveOperation(method, operation, cached, time.Since(start), failed)
		}
	}
}

// Manager returns the manager currently in effect.
func (d *Data) Manager() *DataManager {
	return d.manager.Load()
}

func (d *Data) State() MigrationState {
	return MigrationState(d.state.Load())
}

// Get returns the value and whether it is non-null.
func (d *Data) Get(ctx context.Context, table, target, key string, opts ...AccessOption) (string, bool) {
	v := d.GetValue(ctx, table, target, key, opts...)
	return v.String, v.Valid
}

func (d *Data) GetValue(ctx context.Context, table, target, key string, opts ...AccessOption) Value {
	m := d.Manager()
	dialect := m.Dialect()
	cached := useCache(m, opts)
	ctx, done := d.track(ctx, m, "get", table, target, cached)

	if cached {
		if v, ok := dialect.GetFromCache(table, target, key); ok {
			done(0, nil)
			return v
		}
	}

	v, err := dialect.GetFromDatabase(ctx, table, target, key)
	done(0, err)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to read value",
			"table", table,
			"target", target,
			"key", key,
			"error", err,
		)
		return Null()
	}
	if cached {
		dialect.FillCache(table, target, key, v)
	}
	return v
}

func (d *Data) Set(ctx context.Context, table, target, key string, v Value, opts ...AccessOption) {
	d.SetAll(ctx, table, target, map[string]Value{key: v}, opts...)
}

// SetAll writes several keys of one target. Without cache this is a single
// backend round trip.
func (d *Data) SetAll(ctx context.Context, table, target string, values map[string]Value, opts ...AccessOption) {
	d.writeMu.RLock()
	defer d.writeMu.RUnlock()

	m := d.Manager()
	dialect := m.Dialect()
	cached := useCache(m, opts)
	ctx, done := d.track(ctx, m, "set", table, target, cached)
	if cached {
		for key, v := range values {
			dialect.SetToCache(table, target, key, v)
		}
		done(0, nil)
		return
	}

	failed := dialect.SetAllToDatabase(ctx, table, target, values)
	done(len(failed), nil)
	failedKeys := make(map[string]bool, len(failed))
	for _, f := range failed {
		failedKeys[f.Key] = true
		d.logger.ErrorContext(ctx, "Failed to write value",
			"table", f.Table,
			"target", f.Target,
			"key", f.Key,
			"error", f.Err,
		)
	}
	for key, v := range values {
		if !failedKeys[normalizeKey(key)] {
			dialect.RefreshCache(table, target, key, v)
		}
	}
}

func (d *Data) Remove(ctx context.Context, table, target, key string, opts ...AccessOption) {
	d.writeMu.RLock()
	defer d.writeMu.RUnlock()

	m := d.Manager()
	dialect := m.Dialect()
	cached := useCache(m, opts)
	ctx, done := d.track(ctx, m, "remove", table, target, cached)
	if cached {
		dialect.MarkRemovedInCache(table, target, key)
		done(0, nil)
		return
	}

	err := dialect.RemoveFromDatabase(ctx, table, target, key)
	done(0, err)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to remove value",
			"table", table,
			"target", target,
			"key", key,
			"error", err,
		)
		return
	}
	dialect.RefreshCache(table, target, key, Null())
}

// Flush writes every cached value back and returns what could not be saved.
func (d *Data) Flush(ctx context.Context) []FailedSet {
	m := d.Manager()
	ctx, done := d.track(ctx, m, "flush", "", "", true)
	failed := m.Dialect().SaveCache(ctx)
	done(len(failed), nil)
	for _, f := range failed {
		d.logger.WarnContext(ctx, "Value not flushed", "table", f.Table, "target", f.Target, "key", f.Key, "error", f.Err)
	}
	return failed
}

// Reload runs the reload hook of the active manager.
func (d *Data) Reload(ctx context.Context) []FailedSet {
	return d.Manager().OnReload(ctx)
}

// CheckMigration migrates to the backend of the alternate storage file if
// one exists. It returns nil without a pending migration.
func (d *Data) CheckMigration(ctx context.Context) (*MigrationReport, error) {
	if d.migrator == nil || !d.migrator.Paths.Pending() {
		return nil, nil
	}

	d.migrateMu.Lock()
	defer d.migrateMu.Unlock()
	if !d.migrator.Paths.Pending() {
		return nil, nil
	}

	previous := d.State()
	d.state.Store(int32(StateMigrating))
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	ctx, span := tracing.StartMigrationSpan(ctx, d.Manager().Config().Method().Name)
	next, report, err := d.migrator.Migrate(ctx, d.Manager())
	tracing.End(span, 0, err)
	if o := d.observer.Load(); o != nil {
		o.ObserveMigration(report, err)
	}
	if next == nil {
		d.state.Store(int32(previous))
		return report, err
	}

	next.StartIntervalFlush()
	d.manager.Store(next)

	var commitErr *CommitError
	if errors.As(err, &commitErr) {
		d.state.Store(int32(StateNeedsRecovery))
		return report, err
	}
	d.state.Store(int32(StateActive))
	return report, err
}

// Close shuts the active manager down.
func (d *Data) Close(ctx context.Context) error {
	return d.Manager().Close(ctx)
}
