package storage

import (
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"testing"
)

func TestLookupMethod(t *testing.T) {
	for _, name := range append(embeddedMethods, remoteMethods...) {
		m, ok := LookupMethod(strings.ToUpper(name))
		if !ok {
			t.Errorf("Expected %s to be registered", name)
			continue
		}
		if m.Name != name {
			t.Errorf("Expected canonical name %s, got %s", name, m.Name)
		}
	}

	if _, ok := LookupMethod("nosuch"); ok {
		t.Error("Expected unknown method lookup to fail")
	}
}

func TestMethodsSorted(t *testing.T) {
	names := Methods()
	if !sort.StringsAreSorted(names) {
		t.Errorf("Expected sorted names, got %v", names)
	}
	for _, want := range []string{"duckdb", "sqlite", "mysql", "mariadb", "postgresql", "json", "yaml"} {
		if !slices.Contains(names, want) {
			t.Errorf("Expected %s in %v", want, names)
		}
	}
}

func TestMethodFamilies(t *testing.T) {
	tests := []struct {
		name   string
		remote bool
		sql    bool
	}{
		{"duckdb", false, true},
		{"sqlite", false, true},
		{"mysql", true, true},
		{"mariadb", true, true},
		{"postgresql", true, true},
		{"json", false, false},
		{"yaml", false, false},
		{"badger", false, false},
		{"bolt", false, false},
		{"redis", true, false},
	}

	for _, tt := range tests {
		m := mustLookup(tt.name)
		if m.IsRemote() != tt.remote {
			t.Errorf("%s: IsRemote() = %v, want %v", tt.name, m.IsRemote(), tt.remote)
		}
		if m.IsSQL() != tt.sql {
			t.Errorf("%s: IsSQL() = %v, want %v", tt.name, m.IsSQL(), tt.sql)
		}
	}
}

func TestMethodURLs(t *testing.T) {
	dir := filepath.Join("srv", "data")
	remote := &RemoteConnection{Host: "db.local", Port: 5432, Database: "kv", Username: "app", Password: "pw"}

	tests := []struct {
		method string
		remote *RemoteConnection
		want   string
	}{
		{"duckdb", nil, filepath.Join(dir, "data.duckdb")},
		{"sqlite", nil, filepath.Join(dir, "data.db")},
		{"json", nil, filepath.Join(dir, "json")},
		{"yaml", nil, filepath.Join(dir, "yaml")},
		{"postgresql", remote, "postgres://app:pw@db.local:5432/kv"},
		{"mysql", &RemoteConnection{Host: "db.local", Port: 3306, Database: "kv", Username: "app", Password: "pw"}, "app:pw@tcp(db.local:3306)/kv"},
		{"redis", &RemoteConnection{Host: "cache", Port: 6379, Database: "2"}, "redis://cache:6379/2"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := mustLookup(tt.method).URL(dir, tt.remote)
			if !strings.Contains(got, tt.want) {
				t.Errorf("URL() = %s, want it to contain %s", got, tt.want)
			}
		})
	}
}

func TestRegisterPanics(t *testing.T) {
	tests := []struct {
		name   string
		method StorageMethod
	}{
		{"duplicate", StorageMethod{Name: "SQLite", NewBackend: newBoltBackend, URL: boltURL}},
		{"empty name", StorageMethod{Name: " ", NewBackend: newBoltBackend, URL: boltURL}},
		{"no constructor", StorageMethod{Name: "ghost", URL: boltURL}},
		{"no url", StorageMethod{Name: "ghost", NewBackend: newBoltBackend}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Expected Register to panic")
				}
			}()
			Register(tt.method)
		})
	}
}
