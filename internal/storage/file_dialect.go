package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// document is the content of one table file: target -> key -> value.
type document map[string]map[string]string

type documentCodec interface {
	extension() string
	decode(data []byte) (document, error)
	encode(doc document) ([]byte, error)
}

type jsonCodec struct{}

func (jsonCodec) extension() string { return ".json" }

func (jsonCodec) decode(data []byte) (document, error) {
	doc := document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (jsonCodec) encode(doc document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

type yamlCodec struct{}

func (yamlCodec) extension() string { return ".yml" }

func (yamlCodec) decode(data []byte) (document, error) {
	doc := document{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (yamlCodec) encode(doc document) ([]byte, error) {
	return yaml.Marshal(doc)
}

// fileBackend keeps one file per table and rewrites it on every write.
type fileBackend struct {
	dir       string
	codec     documentCodec
	tableName func(string) string

	mu     sync.Mutex
	tables map[string]*sync.Mutex
}

var _ Backend = (*fileBackend)(nil)

func fileBackendFactory(codec documentCodec) func(m *DataManager) (Backend, error) {
	return func(m *DataManager) (Backend, error) {
		dir := m.URL()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		return &fileBackend{
			dir:       dir,
			codec:     codec,
			tableName: m.TableName,
			tables:    make(map[string]*sync.Mutex),
		}, nil
	}
}

func fileDirURL(method string) func(dataDir string, _ *RemoteConnection) string {
	return func(dataDir string, _ *RemoteConnection) string {
		return filepath.Join(dataDir, method)
	}
}

func (b *fileBackend) lock(table string) func() {
	b.mu.Lock()
	l, ok := b.tables[table]
	if !ok {
		l = &sync.Mutex{}
		b.tables[table] = l
	}
	b.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (b *fileBackend) path(table string) (string, error) {
	name := b.tableName(table)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return filepath.Join(b.dir, name+b.codec.extension()), nil
}

func (b *fileBackend) load(path string) (document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return document{}, nil
	}
	doc, err := b.codec.decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if doc == nil {
		doc = document{}
	}
	return doc, nil
}

// save replaces the file through a temporary file in the same directory.
func (b *fileBackend) save(path string, doc document) error {
	data, err := b.codec.encode(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func (b *fileBackend) Get(ctx context.Context, table, target, key string) (Value, error) {
	if err := ctx.Err(); err != nil {
		return Null(), err
	}
	path, err := b.path(table)
	if err != nil {
		return Null(), err
	}
	unlock := b.lock(path)
	defer unlock()

	doc, err := b.load(path)
	if err != nil {
		return Null(), err
	}
	if v, ok := doc[target][key]; ok {
		return Some(v), nil
	}
	return Null(), nil
}

func (b *fileBackend) SetAll(ctx context.Context, table, target string, values map[string]Value) []FailedSet {
	if len(values) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return failAll(table, target, values, err)
	}
	path, err := b.path(table)
	if err != nil {
		return failAll(table, target, values, err)
	}
	unlock := b.lock(path)
	defer unlock()

	doc, err := b.load(path)
	if err != nil {
		return failAll(table, target, values, err)
	}

	record := doc[target]
	if record == nil {
		record = make(map[string]string)
	}
	for key, v := range values {
		if v.Valid {
			record[key] = v.String
		} else {
			delete(record, key)
		}
	}
	if len(record) == 0 {
		delete(doc, target)
	} else {
		doc[target] = record
	}

	if err := b.save(path, doc); err != nil {
		return failAll(table, target, values, err)
	}
	return nil
}

func (b *fileBackend) Remove(ctx context.Context, table, target, key string) error {
	failed := b.SetAll(ctx, table, target, map[string]Value{key: Null()})
	if len(failed) > 0 {
		return failed[0].Err
	}
	return nil
}

func (b *fileBackend) MigrationData(ctx context.Context) (*MigrationData, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", b.dir, err)
	}

	data := NewMigrationData()
	ext := b.codec.extension()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		table := strings.TrimSuffix(entry.Name(), ext)
		path := filepath.Join(b.dir, entry.Name())

		unlock := b.lock(path)
		doc, err := b.load(path)
		unlock()
		if err != nil {
			return nil, err
		}

		data.AddTable(table)
		for target, record := range doc {
			for key, v := range record {
				data.Put(table, target, key, Some(v))
			}
		}
	}
	return data, nil
}

func (b *fileBackend) Close() error {
	return nil
}
