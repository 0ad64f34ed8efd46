// Package redis provides a Redis-backed store.
//
// Writes made inside Update are buffered and committed with a single
// MULTI/EXEC pipeline, so readers never observe a partial transaction.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"
)

func init() {
	store.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "2",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    "arc-groups:",
	}
}

// NewFactory creates a new Redis backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (store.Store, error) {
	addr := store.GetString(config, KeyAddr, "")
	if addr == "" {
		return nil, store.NewConfigError("redis", KeyAddr, "cannot be empty")
	}

	db, err := store.GetInt("redis", config, KeyDB, 2)
	if err != nil {
		return nil, err
	}
	if db < 0 {
		return nil, &store.ConfigError{Backend: "redis", Field: KeyDB, Value: config[KeyDB], Message: "must be non-negative"}
	}

	maxRetries, err := store.GetInt("redis", config, KeyMaxRetries, 3)
	if err != nil {
		return nil, err
	}
	dialTimeout, err := store.GetDuration("redis", config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	readTimeout, err := store.GetDuration("redis", config, KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := store.GetDuration("redis", config, KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, err
	}
	poolSize, err := store.GetInt("redis", config, KeyPoolSize, 0)
	if err != nil {
		return nil, err
	}

	keyPrefix := store.GetString(config, KeyKeyPrefix, "arc-groups:")

	opts := &redis.Options{
		Addr:         addr,
		Password:     store.GetString(config, KeyPassword, ""),
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, store.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	slog.Info("redis store initialized", "addr", addr, "db", db, "key_prefix", keyPrefix)
	return NewWithClient(client, keyPrefix), nil
}

// Backend is a Redis implementation of store.Store.
type Backend struct {
	client *redis.Client
	prefix string
	mu     sync.Mutex // serializes Update within this process
	closed atomic.Bool
}

// NewWithClient creates a new backend with an existing Redis client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) indexKey() string { return b.prefix + "groups" }
func (b *Backend) credsKey() string { return b.prefix + "credentials" }
func (b *Backend) key(k string) string {
	return b.prefix + k
}

func (b *Backend) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	return fn(ctx, &tx{b: b, readOnly: true})
}

func (b *Backend) Update(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t := &tx{b: b, writes: make(map[string][]byte)}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if len(t.writes) == 0 && !t.credsSet {
		return nil
	}

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range t.writes {
			if v == nil {
				pipe.Del(ctx, b.key(k))
				pipe.SRem(ctx, b.indexKey(), k)
				continue
			}
			pipe.Set(ctx, b.key(k), v, 0)
			pipe.SAdd(ctx, b.indexKey(), k)
		}
		if t.credsSet {
			if t.creds == nil {
				pipe.Del(ctx, b.credsKey())
			} else {
				pipe.Set(ctx, b.credsKey(), t.creds, 0)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}

type tx struct {
	b        *Backend
	readOnly bool
	writes   map[string][]byte // nil value marks a delete
	creds    []byte
	credsSet bool
}

func (t *tx) get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := t.writes[key]; ok {
		return v, v != nil, nil
	}
	data, err := t.b.client.Get(ctx, t.b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (t *tx) LoadGroup(ctx context.Context, id group.ID) (*group.Record, error) {
	data, ok, err := t.get(ctx, store.GroupKey(id))
	if err != nil {
		return nil, fmt.Errorf("redis load group: %w", err)
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return group.UnmarshalRecord(data)
}

func (t *tx) SaveGroup(_ context.Context, r *group.Record) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	data, err := group.MarshalRecord(r)
	if err != nil {
		return err
	}
	t.writes[store.GroupKey(r.ID)] = data
	return nil
}

func (t *tx) DeleteGroup(_ context.Context, id group.ID) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	t.writes[store.GroupKey(id)] = nil
	return nil
}

func (t *tx) ListGroups(ctx context.Context) ([]*group.Record, error) {
	stored, err := t.b.client.SMembers(ctx, t.b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list groups: %w", err)
	}

	keys := make(map[string]struct{}, len(stored)+len(t.writes))
	for _, k := range stored {
		keys[k] = struct{}{}
	}
	for k := range t.writes {
		keys[k] = struct{}{}
	}

	var out []*group.Record
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		data, ok, err := t.get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("redis list groups: %w", err)
		}
		if !ok {
			continue
		}
		r, err := group.UnmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *tx) LoadCredentials(ctx context.Context) ([]transport.Credential, error) {
	if t.credsSet {
		return store.DecodeCredentials(t.creds)
	}
	data, err := t.b.client.Get(ctx, t.b.credsKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis load credentials: %w", err)
	}
	return store.DecodeCredentials(data)
}

func (t *tx) SaveCredentials(_ context.Context, creds []transport.Credential) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	data, err := store.EncodeCredentials(creds)
	if err != nil {
		return err
	}
	t.creds, t.credsSet = data, true
	return nil
}

func (t *tx) ClearCredentials(_ context.Context) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	t.creds, t.credsSet = nil, true
	return nil
}
