package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"kvdata/internal/config"
	"kvdata/internal/testutil"
)

var (
	embeddedMethods = []string{"duckdb", "sqlite", "json", "yaml", "badger", "bolt"}
	remoteMethods   = []string{"mysql", "mariadb", "postgresql", "redis"}
)

func boolPtr(b bool) *bool {
	return &b
}

func storageFile(method string, cache bool) *config.StorageFile {
	return &config.StorageFile{
		Method: method,
		Cache: config.StorageCacheFile{
			Enabled: boolPtr(cache),
			SaveOn:  []string{"reload", "disable"},
		},
	}
}

func newTestManager(t *testing.T, method string, cache bool) *DataManager {
	t.Helper()
	return newTestManagerFromFile(t, storageFile(method, cache), t.TempDir())
}

func newTestManagerFromFile(t *testing.T, file *config.StorageFile, dataDir string) *DataManager {
	t.Helper()

	logger := testutil.TestLogger()
	cfg, err := NewStorageConfig(file, "kvdata-test", logger)
	if err != nil {
		t.Fatalf("Failed to build storage config: %v", err)
	}
	m, err := NewDataManager(context.Background(), cfg, ManagerOptions{DataDir: dataDir, Logger: logger})
	if err != nil {
		t.Fatalf("Failed to create %s manager: %v", file.Method, err)
	}
	t.Cleanup(func() {
		m.Close(context.Background())
	})
	return m
}

// forEachMethod runs fn against every embedded method and against remote
// methods whose KVDATA_TEST_<ENGINE>_HOST is set.
func forEachMethod(t *testing.T, cache bool, fn func(t *testing.T, m *DataManager)) {
	for _, method := range embeddedMethods {
		t.Run(method, func(t *testing.T) {
			fn(t, newTestManager(t, method, cache))
		})
	}
	for _, method := range remoteMethods {
		t.Run(method, func(t *testing.T) {
			file := storageFile(method, cache)
			file.RemoteConnection = testutil.RemoteConnection(t, method)
			fn(t, newTestManagerFromFile(t, file, t.TempDir()))
		})
	}
}

// memoryBackend is a Backend kept in a map. Keys listed in failKeys are
// rejected by SetAll.
type memoryBackend struct {
	mu       sync.Mutex
	data     map[string]map[string]map[string]string
	failKeys map[string]bool
	writes   int
	closed   bool
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		data:     make(map[string]map[string]map[string]string),
		failKeys: make(map[string]bool),
	}
}

var errRejected = errors.New("rejected by test backend")

func (b *memoryBackend) Get(_ context.Context, table, target, key string) (Value, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.data[table][target][key]; ok {
		return Some(v), nil
	}
	return Null(), nil
}

func (b *memoryBackend) SetAll(_ context.Context, table, target string, values map[string]Value) []FailedSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++

	var failed []FailedSet
	for key, v := range values {
		if b.failKeys[key] {
			failed = append(failed, FailedSet{Table: table, Target: target, Key: key, Value: v, Err: errRejected})
			continue
		}
		if b.data[table] == nil {
			b.data[table] = make(map[string]map[string]string)
		}
		if b.data[table][target] == nil {
			b.data[table][target] = make(map[string]string)
		}
		if v.Valid {
			b.data[table][target][key] = v.String
		} else {
			delete(b.data[table][target], key)
		}
	}
	return failed
}

func (b *memoryBackend) Remove(ctx context.Context, table, target, key string) error {
	b.SetAll(ctx, table, target, map[string]Value{key: Null()})
	return nil
}

func (b *memoryBackend) MigrationData(context.Context) (*MigrationData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := NewMigrationData()
	for table, targets := range b.data {
		data.AddTable(table)
		for target, record := range targets {
			for key, v := range record {
				data.Put(table, target, key, Some(v))
			}
		}
	}
	return data, nil
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *memoryBackend) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

var registerMemory sync.Once

// registerMemoryMethod makes memoryBackend available as method "memory".
func registerMemoryMethod() {
	registerMemory.Do(func() {
		Register(StorageMethod{
			Name: "memory",
			NewBackend: func(*DataManager) (Backend, error) {
				return newMemoryBackend(), nil
			},
			URL: func(string, *RemoteConnection) string { return "memory://" },
		})
	})
}

// newMemoryManager returns a manager over a fresh memoryBackend.
func newMemoryManager(t *testing.T, file *config.StorageFile) (*DataManager, *memoryBackend) {
	t.Helper()
	registerMemoryMethod()
	file.Method = "memory"
	m := newTestManagerFromFile(t, file, t.TempDir())
	return m, m.backend.(*memoryBackend)
}
