package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kvdata/internal/config"
	"kvdata/internal/logging"
)

// MigrationState is the state of the Data facade with respect to backend
// migration.
type MigrationState int32

const (
	StateActive MigrationState = iota
	StateMigrating
	// StateNeedsRecovery means the data was copied but the storage files
	// could not be swapped; an operator has to finish the rename.
	StateNeedsRecovery
)

func (s MigrationState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateMigrating:
		return "migrating"
	case StateNeedsRecovery:
		return "needs-recovery"
	default:
		return "unknown"
	}
}

// MigrationPaths are the storage files involved in a migration.
type MigrationPaths struct {
	Active    string
	Alternate string
	Archive   string
}

// PathsFor derives storage-new.yml and storage-old.yml from storage.yml.
func PathsFor(active string) MigrationPaths {
	ext := filepath.Ext(active)
	base := strings.TrimSuffix(active, ext)
	return MigrationPaths{
		Active:    active,
		Alternate: base + "-new" + ext,
		Archive:   base + "-old" + ext,
	}
}

// Pending reports whether an alternate storage file is waiting.
func (p MigrationPaths) Pending() bool {
	_, err := os.Stat(p.Alternate)
	return err == nil
}

type MigrationReport struct {
	From     string
	To       string
	Tables   int
	Targets  int
	Values   int
	Failures []FailedSet
	Duration time.Duration
}

// Migrator moves every value from the active backend to the one described
// by the alternate storage file.
type Migrator struct {
	Paths   MigrationPaths
	AppName string
	Options ManagerOptions

	rename func(oldpath, newpath string) error
	remove func(path string) error
}

func NewMigrator(paths MigrationPaths, appName string, opts ManagerOptions) *Migrator {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Migrator{
		Paths:   paths,
		AppName: appName,
		Options: opts,
		rename:  os.Rename,
		remove:  os.Remove,
	}
}

// Migrate copies old into the backend of the alternate file. When the new
// backend cannot be set up, old is left untouched and returned errors come
// with a nil manager. Once the copy started, old is closed and the new
// manager is returned, together with a *CommitError if the files could not
// be swapped.
func (mg *Migrator) Migrate(ctx context.Context, old *DataManager) (*DataManager, *MigrationReport, error) {
	logger := mg.Options.Logger
	start := time.Now()

	file, err := config.LoadStorageFile(mg.Paths.Alternate)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load alternate storage file: %w", err)
	}
	cfg, err := NewStorageConfig(file, mg.AppName, logger)
	if err != nil {
		return nil, nil, err
	}

	next, err := NewDataManager(ctx, cfg, mg.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to new backend: %w", err)
	}

	report := &MigrationReport{
		From: old.Config().Method().Name,
		To:   cfg.Method().Name,
	}
	logger.StorageEvent(ctx, "migration_started", report.From, map[string]interface{}{
		"to": report.To,
	})

	// Flush the old cache first
	pending := old.Dialect().SaveCache(ctx)
	if len(pending) > 0 {
		logger.Warn("Values not flushed before migration, carrying them over from the cache", "failed", len(pending))
	}

	data, err := old.Dialect().MigrationData(ctx)
	if err != nil {
		next.Close(ctx)
		return nil, nil, fmt.Errorf("failed to read migration data: %w", err)
	}

	// Values the old backend rejected are newer than its snapshot
	for _, f := range pending {
		if errors.Is(f.Err, ErrReservedKey) {
			continue
		}
		data.Put(f.Table, f.Target, f.Key, f.Value)
	}
	report.Tables, report.Targets, report.Values = data.Counts()

	if preparer, ok := next.backend.(SchemaPreparer); ok {
		if err := preparer.PrepareSchema(ctx, data.Columns); err != nil {
			logger.Warn("Failed to prepare schema, continuing with lazy creation", "error", err)
		}
	}

	dialect := next.Dialect()
	for _, table := range sortedKeys(data.Tables) {
		targets := data.Tables[table]
		for _, target := range sortedKeys(targets) {
			for _, f := range dialect.SetAllToDatabase(ctx, table, target, targets[target]) {
				logger.Error("Failed to migrate value",
					"table", f.Table,
					"target", f.Target,
					"key", f.Key,
					"error", f.Err,
				)
				report.Failures = append(report.Failures, f)
			}
		}
	}

	// The pending values now live in the new backend or in report.Failures
	if len(pending) > 0 {
		old.Dialect().ClearCache()
	}
	if err := old.Close(ctx); err != nil {
		logger.Warn("Failed to close old backend", "error", err)
	}

	report.Duration = time.Since(start)
	logger.StorageEvent(ctx, "migration_copied", report.To, map[string]interface{}{
		"tables":  report.Tables,
		"targets": report.Targets,
		"values":  report.Values,
		"failed":  len(report.Failures),
	})

	if err := mg.commit(); err != nil {
		logger.Error("Storage files could not be swapped; finish the migration manually",
			"error", err,
			"instruction", fmt.Sprintf("delete %s, rename %s to %s, then rename %s to %s",
				mg.Paths.Archive, mg.Paths.Active, mg.Paths.Archive, mg.Paths.Alternate, mg.Paths.Active),
		)
		return next, report, err
	}
	return next, report, nil
}

// commit makes the alternate file the active one and archives the previous
// active file. The two renames are not atomic together.
func (mg *Migrator) commit() error {
	if err := mg.remove(mg.Paths.Archive); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &CommitError{From: mg.Paths.Archive, To: "", Err: err}
	}
	if err := mg.rename(mg.Paths.Active, mg.Paths.Archive); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &CommitError{From: mg.Paths.Active, To: mg.Paths.Archive, Err: err}
	}
	if err := mg.rename(mg.Paths.Alternate, mg.Paths.Active); err != nil {
		return &CommitError{From: mg.Paths.Alternate, To: mg.Paths.Active, Err: err}
	}
	return nil
}
