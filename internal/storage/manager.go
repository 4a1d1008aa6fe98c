package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"kvdata/internal/logging"
)

// remoteConnectAttempts bounds the exponential backoff used to reach
// remote backends at startup. Embedded backends get a single attempt.
const remoteConnectAttempts = 5

type ManagerOptions struct {
	// DataDir holds embedded databases and per-table files.
	DataDir string
	Logger  *logging.Logger
}

// DataManager binds one StorageConfig to one live Dialect and owns its
// connection for its whole lifetime.
type DataManager struct {
	config  *StorageConfig
	dataDir string
	logger  *logging.Logger

	db      *sql.DB
	backend Backend
	dialect Dialect

	flushMu       sync.Mutex
	flushInterval time.Duration
	flushCancel   context.CancelFunc
	flushDone     chan struct{}

	closed atomic.Bool
}

// NewDataManager connects to the configured backend. Failures to reach it
// are returned as *ConnectionError.
func NewDataManager(ctx context.Context, cfg *StorageConfig, opts ManagerOptions) (*DataManager, error) {
	if cfg == nil {
		return nil, errors.New("storage config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.DataDir == "" {
		opts.DataDir = "."
	}

	method := cfg.Method()
	m := &DataManager{
		config:        cfg,
		dataDir:       opts.DataDir,
		logger:        opts.Logger.WithField("component", "storage"),
		flushInterval: cfg.FlushInterval(),
	}

	if !method.IsRemote() {
		if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
			return nil, m.connectionError(fmt.Errorf("failed to create data directory: %w", err))
		}
	}

	if method.IsSQL() {
		if err := m.openDatabase(ctx); err != nil {
			return nil, err
		}
	}

	backend, err := method.NewBackend(m)
	if err != nil {
		m.closeDatabase()
		return nil, m.connectionError(err)
	}
	if p, ok := backend.(pinger); ok {
		if err := m.ping(ctx, p.Ping); err != nil {
			backend.Close()
			m.closeDatabase()
			return nil, m.connectionError(err)
		}
	}

	m.backend = backend
	m.dialect = &normalizingDialect{
		Dialect: newDialect(m, backend),
		logger:  m.logger,
	}

	m.logger.StorageEvent(ctx, "connected", method.Name, map[string]interface{}{
		"url":           m.RedactedURL(),
		"cache_enabled": cfg.CacheEnabled(),
	})
	return m, nil
}

func (m *DataManager) openDatabase(ctx context.Context) error {
	method := m.config.Method()
	if !slices.Contains(sql.Drivers(), method.DriverName) {
		return m.connectionError(fmt.Errorf("%w: %s is provided by %s", ErrDriverNotLinked, method.DriverName, method.DriverModule))
	}

	db, err := sql.Open(method.DriverName, m.URL())
	if err != nil {
		return m.connectionError(err)
	}
	// One connection per manager; callers serialize through it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := m.ping(ctx, db.PingContext); err != nil {
		db.Close()
		return m.connectionError(err)
	}
	m.db = db
	return nil
}

func (m *DataManager) ping(ctx context.Context, ping func(context.Context) error) error {
	tries := uint(1)
	if m.config.Method().IsRemote() {
		tries = remoteConnectAttempts
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := ping(ctx)
		if err != nil && attempt < int(tries) {
			m.logger.Warn("Backend not reachable, retrying", "method", m.config.Method().Name, "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(tries))
	return err
}

func (m *DataManager) connectionError(err error) error {
	return &ConnectionError{
		Method:     m.config.Method().Name,
		URL:        m.RedactedURL(),
		Properties: m.config.RedactedProperties(),
		Err:        err,
	}
}

func (m *DataManager) closeDatabase() {
	if m.db != nil {
		m.db.Close()
		m.db = nil
	}
}

func (m *DataManager) Config() *StorageConfig {
	return m.config
}

func (m *DataManager) Dialect() Dialect {
	return m.dialect
}

// DB is the open database of SQL methods, nil otherwise.
func (m *DataManager) DB() *sql.DB {
	return m.db
}

func (m *DataManager) Logger() *logging.Logger {
	return m.logger
}

func (m *DataManager) DataDir() string {
	return m.dataDir
}

// URL is the connection string or path of the backend, including secrets.
func (m *DataManager) URL() string {
	return m.config.Method().URL(m.dataDir, m.config.remote)
}

// RedactedURL is URL with the password masked.
func (m *DataManager) RedactedURL() string {
	return m.config.Method().URL(m.dataDir, m.config.remote.redacted())
}

// TableName maps a logical table name to the backend's table name.
func (m *DataManager) TableName(name string) string {
	return m.config.TablePrefix() + name
}

// StartIntervalFlush starts the periodic cache flush when the configuration
// asks for it.
func (m *DataManager) StartIntervalFlush() {
	m.SetIntervalFlush(m.flushInterval > 0)
}

// SetIntervalFlush cancels the running flush task and starts a new one when
// enabled.
func (m *DataManager) SetIntervalFlush(enabled bool) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.stopFlushLocked()
	if !enabled || m.flushInterval <= 0 || m.closed.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.flushCancel = cancel
	m.flushDone = done
	go m.flushLoop(ctx, m.flushInterval, done)
}

// StopIntervalFlush cancels the flush task and waits for it to exit.
func (m *DataManager) StopIntervalFlush() {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	m.stopFlushLocked()
}

// IntervalFlushRunning reports whether the flush task is scheduled.
func (m *DataManager) IntervalFlushRunning() bool {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.flushCancel != nil
}

func (m *DataManager) stopFlushLocked() {
	if m.flushCancel == nil {
		return
	}
	m.flushCancel()
	<-m.flushDone
	m.flushCancel = nil
	m.flushDone = nil
}

func (m *DataManager) flushLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if failed := m.dialect.SaveCache(ctx); len(failed) > 0 {
				m.logger.Warn("Interval cache flush left values pending", "failed", len(failed))
			}
		case <-ctx.Done():
			return
		}
	}
}

// OnReload flushes the cache when the configuration saves on reload.
func (m *DataManager) OnReload(ctx context.Context) []FailedSet {
	if !m.config.SavesOn(SaveOnReload) {
		return nil
	}
	return m.dialect.SaveCache(ctx)
}

// Closed reports whether Close has been called.
func (m *DataManager) Closed() bool {
	return m.closed.Load()
}

// Close stops the flush task, flushes the cache when the configuration saves
// on shutdown, and releases the backend. Later calls do nothing.
func (m *DataManager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.StopIntervalFlush()

	if m.config.SavesOn(SaveOnShutdown) {
		if failed := m.dialect.SaveCache(ctx); len(failed) > 0 {
			m.logger.Error("Values lost on shutdown", "failed", len(failed))
		}
	} else if dirty := m.dialect.CacheStats().Dirty; dirty > 0 {
		// save-on leaves out shutdown; the pending values are dropped.
		m.logger.Warn("Discarding unsaved cache entries on shutdown", "dirty", dirty, "method", m.config.Method().Name)
	}

	err := m.dialect.Close()
	if m.db != nil {
		err = errors.Join(err, m.db.Close())
	}
	m.logger.StorageEvent(ctx, "closed", m.config.Method().Name, nil)
	return err
}
