package storage

import (
	"sort"
	"strings"
	"sync"
)

// DefaultMethod is used when the storage file names no usable method.
const DefaultMethod = "duckdb"

// StorageMethod describes one backend. Methods with a default port are
// remote; methods with a database/sql driver name belong to the SQL family.
type StorageMethod struct {
	Name       string
	NewBackend func(m *DataManager) (Backend, error)
	// DriverName is the database/sql driver, empty outside the SQL family.
	DriverName string
	// URL builds the connection string or path from the data directory and
	// the remote connection (nil for local methods).
	URL func(dataDir string, remote *RemoteConnection) string
	// DriverModule is the Go module providing the driver, reported when
	// the driver is not linked into the binary.
	DriverModule string
	DefaultPort  int
}

func (m StorageMethod) IsRemote() bool {
	return m.DefaultPort != 0
}

func (m StorageMethod) IsSQL() bool {
	return m.DriverName != ""
}

func (m StorageMethod) String() string {
	return m.Name
}

var registry = struct {
	sync.RWMutex
	methods map[string]StorageMethod
}{methods: make(map[string]StorageMethod)}

// Register makes a storage method available by name. It panics if the
// name is empty, already taken, or the method has no backend constructor.
func Register(m StorageMethod) {
	name := strings.ToLower(strings.TrimSpace(m.Name))
	if name == "" || m.NewBackend == nil || m.URL == nil {
		panic("storage: Register requires a name, a backend constructor and a URL builder")
	}
	m.Name = name

	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.methods[name]; dup {
		panic("storage: Register called twice for method " + name)
	}
	registry.methods[name] = m
}

// LookupMethod finds a method by case-insensitive name.
func LookupMethod(name string) (StorageMethod, bool) {
	registry.RLock()
	defer registry.RUnlock()
	m, ok := registry.methods[strings.ToLower(strings.TrimSpace(name))]
	return m, ok
}

// Methods returns the registered method names in sorted order.
func Methods() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.methods))
	for name := range registry.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mustLookup(name string) StorageMethod {
	m, ok := LookupMethod(name)
	if !ok {
		panic("storage: method " + name + " is not registered")
	}
	return m
}

func init() {
	builtin := []StorageMethod{
		{
			Name:         "duckdb",
			NewBackend:   sqlBackendFactory(newDuckDBEngine()),
			DriverName:   "duckdb",
			DriverModule: "github.com/duckdb/duckdb-go/v2",
			URL:          duckdbURL,
		},
		{
			Name:         "sqlite",
			NewBackend:   sqlBackendFactory(newSQLiteEngine()),
			DriverName:   "sqlite",
			DriverModule: "modernc.org/sqlite",
			URL:          sqliteURL,
		},
		{
			Name:         "mysql",
			NewBackend:   sqlBackendFactory(newMySQLEngine()),
			DriverName:   "mysql",
			DriverModule: "github.com/go-sql-driver/mysql",
			URL:          mysqlURL,
			DefaultPort:  3306,
		},
		{
			Name:         "mariadb",
			NewBackend:   sqlBackendFactory(newMariaDBEngine()),
			DriverName:   "mysql",
			DriverModule: "github.com/go-sql-driver/mysql",
			URL:          mysqlURL,
			DefaultPort:  3306,
		},
		{
			Name:         "postgresql",
			NewBackend:   sqlBackendFactory(newPostgresEngine()),
			DriverName:   "pgx",
			DriverModule: "github.com/jackc/pgx/v5",
			URL:          postgresURL,
			DefaultPort:  5432,
		},
		{
			Name:       "json",
			NewBackend: fileBackendFactory(jsonCodec{}),
			URL:        fileDirURL("json"),
		},
		{
			Name:       "yaml",
			NewBackend: fileBackendFactory(yamlCodec{}),
			URL:        fileDirURL("yaml"),
		},
		{
			Name:       "badger",
			NewBackend: newBadgerBackend,
			URL:        badgerURL,
		},
		{
			Name:       "bolt",
			NewBackend: newBoltBackend,
			URL:        boltURL,
		},
		{
			Name:        "redis",
			NewBackend:  newRedisBackend,
			URL:         redisURL,
			DefaultPort: 6379,
		},
	}
	for _, m := range builtin {
		Register(m)
	}
}
