package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisBackend keeps one hash per target under <prefix><table>:<target> and
// the set of known tables under <prefix>tables.
type redisBackend struct {
	client *redis.Client
	prefix string
}

var (
	_ Backend = (*redisBackend)(nil)
	_ pinger  = (*redisBackend)(nil)
)

func redisURL(_ string, remote *RemoteConnection) string {
	if remote == nil {
		return ""
	}
	u := url.URL{
		Scheme: "redis",
		Host:   net.JoinHostPort(remote.Host, strconv.Itoa(remote.Port)),
		Path:   "/" + remote.Database,
	}
	if remote.Password != "" {
		u.User = url.UserPassword(remote.Username, remote.Password)
	} else if remote.Username != "" {
		u.User = url.User(remote.Username)
	}
	return u.String()
}

func newRedisBackend(m *DataManager) (Backend, error) {
	remote := m.Config().Remote()
	if remote == nil {
		return nil, errors.New("redis requires a remote connection")
	}
	opts, err := redisOptions(remote)
	if err != nil {
		return nil, err
	}
	return &redisBackend{
		client: redis.NewClient(opts),
		prefix: remote.TablePrefix,
	}, nil
}

func redisOptions(remote *RemoteConnection) (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     net.JoinHostPort(remote.Host, strconv.Itoa(remote.Port)),
		Username: remote.Username,
		Password: remote.Password,
	}
	if remote.Database != "" {
		db, err := strconv.Atoi(remote.Database)
		if err != nil {
			return nil, fmt.Errorf("redis database must be a number, got %q", remote.Database)
		}
		opts.DB = db
	}

	for name, value := range remote.Properties {
		var err error
		switch strings.ToLower(name) {
		case "dial_timeout":
			opts.DialTimeout, err = time.ParseDuration(value)
		case "read_timeout":
			opts.ReadTimeout, err = time.ParseDuration(value)
		case "write_timeout":
			opts.WriteTimeout, err = time.ParseDuration(value)
		case "pool_size":
			opts.PoolSize, err = strconv.Atoi(value)
		case "max_retries":
			opts.MaxRetries, err = strconv.Atoi(value)
		default:
			err = fmt.Errorf("unsupported property")
		}
		if err != nil {
			return nil, fmt.Errorf("redis property %s: %w", name, err)
		}
	}
	return opts, nil
}

// checkTable rejects ':' in table names. Hashes are found by the
// "<prefix><table>:" pattern, so a table "a:b" would leak into table "a".
func checkTable(table string) error {
	if strings.Contains(table, ":") {
		return fmt.Errorf("%w %q: redis table names cannot contain ':'", ErrInvalidTableName, table)
	}
	return nil
}

func (b *redisBackend) hashKey(table, target string) string {
	return b.prefix + table + ":" + target
}

func (b *redisBackend) tablesKey() string {
	return b.prefix + "tables"
}

func (b *redisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBackend) Get(ctx context.Context, table, target, key string) (Value, error) {
	if err := checkTable(table); err != nil {
		return Null(), err
	}
	s, err := b.client.HGet(ctx, b.hashKey(table, target), key).Result()
	if errors.Is(err, redis.Nil) {
		return Null(), nil
	}
	if err != nil {
		return Null(), err
	}
	return Some(s), nil
}

// SetAll sends every change of a target in one MULTI/EXEC pipeline.
func (b *redisBackend) SetAll(ctx context.Context, table, target string, values map[string]Value) []FailedSet {
	if len(values) == 0 {
		return nil
	}
	if err := checkTable(table); err != nil {
		return failAll(table, target, values, err)
	}

	hash := b.hashKey(table, target)
	var set []interface{}
	var del []string
	for _, key := range sortedKeys(values) {
		if v := values[key]; v.Valid {
			set = append(set, key, v.String)
		} else {
			del = append(del, key)
		}
	}

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, b.tablesKey(), table)
		if len(set) > 0 {
			pipe.HSet(ctx, hash, set...)
		}
		if len(del) > 0 {
			pipe.HDel(ctx, hash, del...)
		}
		return nil
	})
	if err != nil {
		return failAll(table, target, values, err)
	}
	return nil
}

func (b *redisBackend) Remove(ctx context.Context, table, target, key string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	return b.client.HDel(ctx, b.hashKey(table, target), key).Err()
}

func (b *redisBackend) MigrationData(ctx context.Context) (*MigrationData, error) {
	tables, err := b.client.SMembers(ctx, b.tablesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	data := NewMigrationData()
	for _, table := range tables {
		if checkTable(table) != nil {
			continue
		}
		data.AddTable(table)
		prefix := b.hashKey(table, "")
		iter := b.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
		for iter.Next(ctx) {
			hash := iter.Val()
			fields, err := b.client.HGetAll(ctx, hash).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", hash, err)
			}
			target := strings.TrimPrefix(hash, prefix)
			for key, v := range fields {
				data.Put(table, target, key, Some(v))
			}
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan table %s: %w", table, err)
		}
	}
	return data, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}
