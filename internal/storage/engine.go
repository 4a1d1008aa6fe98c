package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"kvdata/internal/logging"
)

const (
	badgerSeparator  = "\x00"
	badgerGCInterval = 10 * time.Minute
)

// badgerBackend stores every value under table\x00target\x00key.
type badgerBackend struct {
	db        *badger.DB
	tableName func(string) string
	prefix    string
	logger    *logging.Logger

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

var _ Backend = (*badgerBackend)(nil)

func badgerURL(dataDir string, _ *RemoteConnection) string {
	return filepath.Join(dataDir, "badger")
}

func newBadgerBackend(m *DataManager) (Backend, error) {
	opts := badger.DefaultOptions(m.URL()).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	b := &badgerBackend{
		db:        db,
		tableName: m.TableName,
		prefix:    m.Config().TablePrefix(),
		logger:    m.Logger(),
		stopGC:    make(chan struct{}),
		gcDone:    make(chan struct{}),
	}
	go b.runGC(badgerGCInterval)
	return b, nil
}

func badgerKey(table, target, key string) []byte {
	return []byte(table + badgerSeparator + target + badgerSeparator + key)
}

func (b *badgerBackend) Get(ctx context.Context, table, target, key string) (Value, error) {
	if err := ctx.Err(); err != nil {
		return Null(), err
	}

	var v Value
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(b.tableName(table), target, key))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		v = Some(string(value))
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Null(), nil
	}
	return v, err
}

// SetAll writes one target in a single transaction.
func (b *badgerBackend) SetAll(ctx context.Context, table, target string, values map[string]Value) []FailedSet {
	if len(values) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return failAll(table, target, values, err)
	}

	physical := b.tableName(table)
	err := b.db.Update(func(txn *badger.Txn) error {
		for key, v := range values {
			k := badgerKey(physical, target, key)
			if !v.Valid {
				if err := txn.Delete(k); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(k, []byte(v.String)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return failAll(table, target, values, err)
	}
	return nil
}

func (b *badgerBackend) Remove(ctx context.Context, table, target, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(b.tableName(table), target, key))
	})
}

func (b *badgerBackend) MigrationData(ctx context.Context) (*MigrationData, error) {
	data := NewMigrationData()
	prefix := []byte(b.prefix)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			parts := bytes.SplitN(item.Key(), []byte(badgerSeparator), 3)
			if len(parts) != 3 {
				b.logger.Warn("Skipping malformed badger key", "key", string(item.Key()))
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			table := string(bytes.TrimPrefix(parts[0], prefix))
			data.Put(table, string(parts[1]), string(parts[2]), Some(string(value)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read badger database: %w", err)
	}
	return data, nil
}

func (b *badgerBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopGC)
		<-b.gcDone
		err = b.db.Close()
	})
	return err
}

func (b *badgerBackend) runGC(interval time.Duration) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			again := true
			for again {
				again = b.db.RunValueLogGC(0.7) == nil
			}
			b.logger.Debug("Badger value log garbage collection completed")
		case <-b.stopGC:
			return
		}
	}
}
