package storage

import (
	"fmt"
	"sort"

	"kvdata/internal/cache"
)

// Value is an optional string stored under a key.
type Value = cache.Value

// Some returns a non-null value.
func Some(s string) Value { return cache.Some(s) }

// Null returns the null value.
func Null() Value { return cache.Null() }

// FromPtr converts a nil-able string into a Value.
func FromPtr(s *string) Value { return cache.FromPtr(s) }

// TargetKey is reserved in every table: SQL backends use it as the primary
// key column.
const TargetKey = "target"

// FailedSet records one write that did not reach the backend.
type FailedSet struct {
	Table  string
	Target string
	Key    string
	Value  Value
	Err    error
}

func (f FailedSet) String() string {
	return fmt.Sprintf("%s/%s/%s: %v", f.Table, f.Target, f.Key, f.Err)
}

// failAll reports every key of a batch as failed with the same cause.
func failAll(table, target string, values map[string]Value, err error) []FailedSet {
	failed := make([]FailedSet, 0, len(values))
	for _, key := range sortedKeys(values) {
		failed = append(failed, FailedSet{Table: table, Target: target, Key: key, Value: values[key], Err: err})
	}
	return failed
}

// MigrationData is a full copy of a backend, keyed by logical table name.
type MigrationData struct {
	Tables  map[string]map[string]map[string]Value
	Columns map[string][]string
}

// NewMigrationData returns an empty snapshot.
func NewMigrationData() *MigrationData {
	return &MigrationData{
		Tables:  make(map[string]map[string]map[string]Value),
		Columns: make(map[string][]string),
	}
}

// AddTable registers a table even when it holds no rows.
func (d *MigrationData) AddTable(table string) {
	if _, ok := d.Tables[table]; !ok {
		d.Tables[table] = make(map[string]map[string]Value)
	}
	if _, ok := d.Columns[table]; !ok {
		d.Columns[table] = nil
	}
}

// AddColumn registers a column of table once.
func (d *MigrationData) AddColumn(table, column string) {
	d.AddTable(table)
	for _, c := range d.Columns[table] {
		if c == column {
			return
		}
	}
	d.Columns[table] = append(d.Columns[table], column)
}

// Put stores one value of the snapshot.
func (d *MigrationData) Put(table, target, key string, v Value) {
	d.AddColumn(table, key)
	targets := d.Tables[table]
	values, ok := targets[target]
	if !ok {
		values = make(map[string]Value)
		targets[target] = values
	}
	values[key] = v
}

// Counts returns the number of tables, targets and values in the snapshot.
func (d *MigrationData) Counts() (tables, targets, values int) {
	for _, t := range d.Tables {
		tables++
		targets += len(t)
		for _, v := range t {
			values += len(v)
		}
	}
	return tables, targets, values
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
