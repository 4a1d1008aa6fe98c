package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrReservedKey is reported for writes to the key holding the target id.
	ErrReservedKey = errors.New("key is reserved")
	// ErrDriverNotLinked means the method's database/sql driver is not
	// registered in this binary.
	ErrDriverNotLinked = errors.New("database driver not linked")
	ErrUnknownMethod   = errors.New("unknown storage method")
	ErrManagerClosed   = errors.New("data manager is closed")
	// ErrInvalidTableName is a table name the backend cannot store
	// unambiguously.
	ErrInvalidTableName = errors.New("invalid table name")
)

// ConfigError is a storage file that cannot describe a usable backend.
type ConfigError struct {
	Method string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid storage configuration for method %s: %s %s", e.Method, e.Field, e.Reason)
}

// ConnectionError wraps a failure to reach a backend. URL and Properties
// never carry secrets.
type ConnectionError struct {
	Method     string
	URL        string
	Properties map[string]string
	Err        error
}

func (e *ConnectionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to connect to %s backend at %s", e.Method, e.URL)
	if len(e.Properties) > 0 {
		keys := make([]string, 0, len(e.Properties))
		for k := range e.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" with properties {")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Properties[k])
		}
		b.WriteString("}")
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CommitError is returned when the storage files could not be swapped after
// the data was copied to the new backend.
type CommitError struct {
	From string
	To   string
	Err  error
}

func (e *CommitError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("failed to remove %s: %v", e.From, e.Err)
	}
	return fmt.Sprintf("failed to rename %s to %s: %v", e.From, e.To, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}
