package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StorageFile is the raw content of a storage file (storage.yml and its
// -new/-old siblings). Pointer fields distinguish an absent section from an
// empty one.
type StorageFile struct {
	Method           string                `yaml:"method"`
	Cache            StorageCacheFile      `yaml:"cache"`
	RemoteConnection *RemoteConnectionFile `yaml:"remote-connection"`
}

type StorageCacheFile struct {
	Enabled  *bool    `yaml:"enabled"`
	SaveOn   []string `yaml:"save-on"`
	Interval int      `yaml:"interval"` // seconds
}

type RemoteConnectionFile struct {
	Host        string            `yaml:"host"`
	Port        int               `yaml:"port"`
	Database    string            `yaml:"database"`
	Username    string            `yaml:"username"`
	Password    string            `yaml:"password"`
	TablePrefix *string           `yaml:"table-prefix"`
	Properties  map[string]string `yaml:"properties"`
}

// LoadStorageFile reads and parses a storage file from disk.
func LoadStorageFile(path string) (*StorageFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage file: %w", err)
	}

	file, err := ParseStorageFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// ParseStorageFile parses storage file content. An empty document yields a
// zero StorageFile, which resolves to the default method.
func ParseStorageFile(data []byte) (*StorageFile, error) {
	var file StorageFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal storage file: %w", err)
	}
	return &file, nil
}

// DefaultStorageFile is written when no storage file exists yet.
func DefaultStorageFile() string {
	return `# Backend used to persist data: duckdb, sqlite, mysql, mariadb, postgresql,
# json, yaml, badger, bolt or redis.
method: duckdb

cache:
  enabled: true
  # When cached values are written back: reload, disable, interval.
  # An empty list means all of them.
  save-on: []
  # Seconds between interval flushes; zero or less disables them.
  interval: 300

# Only read for remote methods (mysql, mariadb, postgresql, redis).
# remote-connection:
#   host: localhost
#   port: 0
#   database: kvdata
#   username: kvdata
#   password: ""
#   table-prefix: kvdata_
#   properties: {}
`
}

// WriteDefaultStorageFile creates path with the default content unless it
// already exists.
func WriteDefaultStorageFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat storage file: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultStorageFile()), 0o644); err != nil {
		return fmt.Errorf("failed to write default storage file: %w", err)
	}
	return nil
}
