package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// boltBackend keeps a bucket per table and one JSON record per target.
type boltBackend struct {
	db        *bbolt.DB
	tableName func(string) string
	prefix    string
}

var _ Backend = (*boltBackend)(nil)

func boltURL(dataDir string, _ *RemoteConnection) string {
	return filepath.Join(dataDir, "bolt", "data.db")
}

func newBoltBackend(m *DataManager) (Backend, error) {
	path := filepath.Clean(m.URL())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	return &boltBackend{
		db:        db,
		tableName: m.TableName,
		prefix:    m.Config().TablePrefix(),
	}, nil
}

func decodeRecord(payload []byte) (map[string]string, error) {
	record := make(map[string]string)
	if payload == nil {
		return record, nil
	}
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return record, nil
}

func (b *boltBackend) Get(ctx context.Context, table, target, key string) (Value, error) {
	if err := ctx.Err(); err != nil {
		return Null(), err
	}

	v := Null()
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(b.tableName(table)))
		if bucket == nil {
			return nil
		}
		record, err := decodeRecord(bucket.Get([]byte(target)))
		if err != nil {
			return err
		}
		if s, ok := record[key]; ok {
			v = Some(s)
		}
		return nil
	})
	return v, err
}

// SetAll rewrites the target record in one bbolt transaction.
func (b *boltBackend) SetAll(ctx context.Context, table, target string, values map[string]Value) []FailedSet {
	if len(values) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return failAll(table, target, values, err)
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(b.tableName(table)))
		if err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		record, err := decodeRecord(bucket.Get([]byte(target)))
		if err != nil {
			return err
		}
		for key, v := range values {
			if v.Valid {
				record[key] = v.String
			} else {
				delete(record, key)
			}
		}
		if len(record) == 0 {
			return bucket.Delete([]byte(target))
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		return bucket.Put([]byte(target), payload)
	})
	if err != nil {
		return failAll(table, target, values, err)
	}
	return nil
}

func (b *boltBackend) Remove(ctx context.Context, table, target, key string) error {
	failed := b.SetAll(ctx, table, target, map[string]Value{key: Null()})
	if len(failed) > 0 {
		return failed[0].Err
	}
	return nil
}

func (b *boltBackend) MigrationData(ctx context.Context) (*MigrationData, error) {
	data := NewMigrationData()
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bbolt.Bucket) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !strings.HasPrefix(string(name), b.prefix) {
				return nil
			}
			table := strings.TrimPrefix(string(name), b.prefix)
			data.AddTable(table)
			return bucket.ForEach(func(target, payload []byte) error {
				record, err := decodeRecord(payload)
				if err != nil {
					return err
				}
				for key, v := range record {
					data.Put(table, string(target), key, Some(v))
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read storage db: %w", err)
	}
	return data, nil
}

func (b *boltBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
