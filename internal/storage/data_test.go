package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kvdata/internal/config"
	"kvdata/internal/testutil"
)

func TestData_WithoutCache(t *testing.T) {
	for _, method := range embeddedMethods {
		t.Run(method, func(t *testing.T) {
			d := NewData(newTestManager(t, method, false), nil)
			ctx := context.Background()

			d.Set(ctx, "players", scenarioTarget, "coins", Some("500"))
			if v, ok := d.Get(ctx, "players", scenarioTarget, "coins"); !ok || v != "500" {
				t.Errorf("Expected 500, got %q (ok=%v)", v, ok)
			}

			d.Set(ctx, "players", scenarioTarget, "coins", Some("750"))
			if v, _ := d.Get(ctx, "players", scenarioTarget, "coins"); v != "750" {
				t.Errorf("Expected 750, got %q", v)
			}

			d.Remove(ctx, "players", scenarioTarget, "coins")
			if _, ok := d.Get(ctx, "players", scenarioTarget, "coins"); ok {
				t.Error("Expected coins to be gone after remove")
			}
		})
	}
}

func TestData_WithCache(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", true))
	d := NewData(m, nil)
	ctx := context.Background()
	target := testutil.NewTarget()

	d.SetAll(ctx, "players", target, map[string]Value{"coins": Some("1"), "name": Some("bob")})
	if v, ok := d.Get(ctx, "players", target, "name"); !ok || v != "bob" {
		t.Errorf("Expected cached bob, got %q (ok=%v)", v, ok)
	}
	if backend.writeCount() != 0 {
		t.Fatalf("Expected cached writes to stay off the backend, got %d", backend.writeCount())
	}

	d.Remove(ctx, "players", target, "name")
	if _, ok := d.Get(ctx, "players", target, "name"); ok {
		t.Error("Expected cached remove to hide the value")
	}

	if failed := d.Flush(ctx); len(failed) != 0 {
		t.Fatalf("Expected clean flush, got %v", failed)
	}
	if v, _ := backend.Get(ctx, "players", target, "coins"); v != Some("1") {
		t.Errorf("Expected coins flushed, got %+v", v)
	}
	if v, _ := backend.Get(ctx, "players", target, "name"); v.Valid {
		t.Errorf("Expected name removed in backend, got %+v", v)
	}
}

func TestData_ReadThroughFillsCache(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", true))
	d := NewData(m, nil)
	ctx := context.Background()
	target := testutil.NewTarget()

	backend.SetAll(ctx, "players", target, map[string]Value{"coins": Some("9")})

	if v, _ := d.Get(ctx, "players", target, "coins"); v != "9" {
		t.Fatalf("Expected 9 from backend, got %q", v)
	}
	if v, ok := m.Dialect().GetFromCache("players", target, "coins"); !ok || v != Some("9") {
		t.Errorf("Expected read to fill the cache, got %+v (ok=%v)", v, ok)
	}

	// Missing values are cached as null too.
	d.Get(ctx, "players", target, "missing")
	if v, ok := m.Dialect().GetFromCache("players", target, "missing"); !ok || v.Valid {
		t.Errorf("Expected cached null, got %+v (ok=%v)", v, ok)
	}
}

func TestData_WithCacheOverride(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", true))
	d := NewData(m, nil)
	ctx := context.Background()
	target := testutil.NewTarget()

	// Warm the cache, then write straight to the backend.
	d.Set(ctx, "players", target, "coins", Some("1"))
	d.Flush(ctx)
	d.Set(ctx, "players", target, "coins", Some("2"), WithCache(false))

	if v, _ := backend.Get(ctx, "players", target, "coins"); v != Some("2") {
		t.Errorf("Expected direct write to reach the backend, got %+v", v)
	}
	if v, _ := d.Get(ctx, "players", target, "coins"); v != "2" {
		t.Errorf("Expected cached copy to follow the direct write, got %q", v)
	}

	d.Remove(ctx, "players", target, "coins", WithCache(false))
	if _, ok := d.Get(ctx, "players", target, "coins"); ok {
		t.Error("Expected direct remove to refresh the cache")
	}
}

func TestData_CacheOverrideOnUncachedManager(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", false))
	d := NewData(m, nil)
	ctx := context.Background()
	target := testutil.NewTarget()

	d.Set(ctx, "players", target, "coins", Some("5"), WithCache(true))
	if backend.writeCount() != 0 {
		t.Error("Expected cached write to stay off the backend")
	}
	if v, _ := d.Get(ctx, "players", target, "coins", WithCache(true)); v != "5" {
		t.Errorf("Expected cached 5, got %q", v)
	}
	if _, ok := d.Get(ctx, "players", target, "coins"); ok {
		t.Error("Expected uncached read to miss the unflushed value")
	}

	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if v, _ := backend.Get(ctx, "players", target, "coins"); v != Some("5") {
		t.Errorf("Expected close to flush the cached write, got %+v", v)
	}
	if dirty := m.Dialect().CacheStats().Dirty; dirty != 0 {
		t.Errorf("Expected no pending values after close, got %d", dirty)
	}
}

func TestData_CloseWithoutShutdownTriggerWarns(t *testing.T) {
	logger, buf := testutil.CaptureLogger()
	registerMemoryMethod()
	file := &config.StorageFile{
		Method: "memory",
		Cache:  config.StorageCacheFile{Enabled: boolPtr(true), SaveOn: []string{"reload"}},
	}
	cfg, err := NewStorageConfig(file, "app", logger)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	m, err := NewDataManager(context.Background(), cfg, ManagerOptions{DataDir: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	d := NewData(m, nil)
	d.Set(context.Background(), "players", "t", "coins", Some("1"))
	d.Close(context.Background())

	testutil.AssertContains(t, buf.String(), "Discarding unsaved cache entries")
}

func TestData_FailedWriteIsLogged(t *testing.T) {
	logger, buf := testutil.CaptureLogger()
	registerMemoryMethod()
	cfg, err := NewStorageConfig(&config.StorageFile{Method: "memory", Cache: config.StorageCacheFile{Enabled: boolPtr(false)}}, "app", logger)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	m, err := NewDataManager(context.Background(), cfg, ManagerOptions{DataDir: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	backend := m.backend.(*memoryBackend)
	backend.failKeys["coins"] = true

	d := NewData(m, nil)
	d.Set(context.Background(), "players", "t", "coins", Some("1"))

	testutil.AssertContains(t, buf.String(), "Failed to write value")
	testutil.AssertContains(t, buf.String(), errRejected.Error())
}

func TestData_ReloadAndClose(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", true))
	d := NewData(m, nil)
	ctx := context.Background()

	d.Set(ctx, "players", "t", "coins", Some("1"))
	d.Reload(ctx)
	if v, _ := backend.Get(ctx, "players", "t", "coins"); v != Some("1") {
		t.Errorf("Expected reload to flush, got %+v", v)
	}

	d.Set(ctx, "players", "t", "coins", Some("2"))
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if v, _ := backend.Get(ctx, "players", "t", "coins"); v != Some("2") {
		t.Errorf("Expected close to flush, got %+v", v)
	}
}

func TestData_Concurrency(t *testing.T) {
	d := NewData(newTestManager(t, "sqlite", true), nil)
	ctx := context.Background()

	testutil.ConcurrentTest(t, 8, func(i int) {
		target := fmt.Sprintf("target-%d", i)
		for j := 0; j < 20; j++ {
			d.Set(ctx, "players", target, fmt.Sprintf("key_%d", j), Some(fmt.Sprint(i*j)))
		}
		if i%2 == 0 {
			d.Flush(ctx)
		}
	})
	d.Flush(ctx)

	for i := 0; i < 8; i++ {
		for j := 0; j < 20; j++ {
			v, err := d.Manager().Dialect().GetFromDatabase(ctx, "players", fmt.Sprintf("target-%d", i), fmt.Sprintf("key_%d", j))
			if err != nil || v != Some(fmt.Sprint(i*j)) {
				t.Fatalf("target-%d key_%d: expected %d, got %+v (%v)", i, j, i*j, v, err)
			}
		}
	}
}

type observedCall struct {
	method    string
	operation string
	cached    bool
	failed    int
}

type recordingObserver struct {
	mu         sync.Mutex
	calls      []observedCall
	migrations []*MigrationReport
}

func (o *recordingObserver) ObserveOperation(method, operation string, cached bool, _ time.Duration, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, observedCall{method, operation, cached, failed})
}

func (o *recordingObserver) ObserveMigration(report *MigrationReport, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.migrations = append(o.migrations, report)
}

func TestData_Observer(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", true))
	backend.failKeys["broken"] = true
	d := NewData(m, nil)
	observer := &recordingObserver{}
	d.SetObserver(observer)
	ctx := context.Background()

	d.Set(ctx, "players", "t", "coins", Some("1"))
	d.Get(ctx, "players", "t", "coins")
	d.Set(ctx, "players", "t", "broken", Some("1"), WithCache(false))
	d.Remove(ctx, "players", "t", "coins", WithCache(false))
	d.Flush(ctx)

	want := []observedCall{
		{"memory", "set", true, 0},
		{"memory", "get", true, 0},
		{"memory", "set", false, 1},
		{"memory", "remove", false, 0},
		{"memory", "flush", true, 0},
	}
	if len(observer.calls) != len(want) {
		t.Fatalf("Expected %d calls, got %+v", len(want), observer.calls)
	}
	for i, call := range want {
		if observer.calls[i] != call {
			t.Errorf("Call %d: expected %+v, got %+v", i, call, observer.calls[i])
		}
	}

	d.SetObserver(nil)
	d.Get(ctx, "players", "t", "coins")
	if len(observer.calls) != len(want) {
		t.Error("Expected a removed observer to stop receiving calls")
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	storagePath := filepath.Join(dir, "conf", "storage.yml")

	d, err := Open(context.Background(), OpenOptions{
		StorageFile: storagePath,
		DataDir:     filepath.Join(dir, "data"),
		AppName:     "kvdata-test",
		Logger:      testutil.TestLogger(),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { d.Close(context.Background()) })

	content, err := os.ReadFile(storagePath)
	if err != nil {
		t.Fatalf("Expected default storage file: %v", err)
	}
	if string(content) != config.DefaultStorageFile() {
		t.Error("Expected the default storage file content")
	}
	if d.Manager().Config().Method().Name != DefaultMethod {
		t.Errorf("Expected default method, got %s", d.Manager().Config().Method().Name)
	}
	if !d.Manager().IntervalFlushRunning() {
		t.Error("Expected interval flush to start with the default file")
	}

	d.Set(context.Background(), "players", scenarioTarget, "coins", Some("500"))
	if v, _ := d.Get(context.Background(), "players", scenarioTarget, "coins"); v != "500" {
		t.Errorf("Expected 500, got %q", v)
	}
}

func TestOpen_RunsPendingMigration(t *testing.T) {
	dir := t.TempDir()
	storagePath := testutil.WriteStorageFile(t, dir, "storage.yml", "method: json\ncache:\n  enabled: false\n")
	opts := OpenOptions{StorageFile: storagePath, DataDir: dir, AppName: "kvdata-test", Logger: testutil.TestLogger()}

	seed, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	seed.Set(context.Background(), "players", scenarioTarget, "coins", Some("500"))
	seed.Close(context.Background())

	testutil.WriteStorageFile(t, dir, "storage-new.yml", "method: sqlite\ncache:\n  enabled: false\n")

	d, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { d.Close(context.Background()) })

	observer := &recordingObserver{}
	d.SetObserver(observer)
	testutil.WriteStorageFile(t, dir, "storage-new.yml", "method: yaml\ncache:\n  enabled: false\n")
	if _, err := d.CheckMigration(context.Background()); err != nil {
		t.Fatalf("Second migration failed: %v", err)
	}
	if len(observer.migrations) != 1 || observer.migrations[0] == nil || observer.migrations[0].To != "yaml" {
		t.Errorf("Expected one observed migration to yaml, got %+v", observer.migrations)
	}

	if d.Manager().Config().Method().Name != "yaml" {
		t.Errorf("Expected migration to yaml, got %s", d.Manager().Config().Method().Name)
	}
	if v, _ := d.Get(context.Background(), "players", scenarioTarget, "coins"); v != "500" {
		t.Errorf("Expected migrated 500, got %q", v)
	}
}
