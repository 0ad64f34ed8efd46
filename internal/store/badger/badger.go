// Package badger provides a BadgerDB-backed store.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
)

const (
	prefixGroup    = "group/"
	keyCredentials = "meta/credentials"
)

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyInMemory         = "in_memory"
)

func init() {
	store.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:             "~/.arc-groups/badger",
		KeySyncWrites:       "true",
		KeyValueLogFileSize: strconv.FormatInt(64<<20, 10),
		KeyInMemory:         "false",
	}
}

// NewFactory creates a new BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (store.Store, error) {
	inMemory, err := store.GetBool("badger", config, KeyInMemory, false)
	if err != nil {
		return nil, err
	}
	if inMemory {
		return newInMemory()
	}

	path := store.GetString(config, KeyPath, "")
	if path == "" {
		return nil, store.NewConfigError("badger", KeyPath, "cannot be empty")
	}
	path = store.ExpandPath(path)

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, store.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
	}

	syncWrites, err := store.GetBool("badger", config, KeySyncWrites, true)
	if err != nil {
		return nil, err
	}

	valueLogFileSize, err := store.GetInt64("badger", config, KeyValueLogFileSize, 64<<20)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = syncWrites
	if valueLogFileSize > 0 {
		opts.ValueLogFileSize = valueLogFileSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, store.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}

	slog.Info("badger store initialized", "path", path, "sync_writes", syncWrites)
	return NewWithDB(db), nil
}

func newInMemory() (*Backend, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, store.NewConfigErrorWithCause("badger", KeyInMemory, "failed to open in-memory database", err)
	}

	slog.Info("badger store initialized (in-memory)")
	return NewWithDB(db), nil
}

// Backend is a BadgerDB implementation of store.Store.
type Backend struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewWithDB creates a new backend with an existing BadgerDB instance.
func NewWithDB(db *badger.DB) *Backend {
	return &Backend{db: db}
}

func (b *Backend) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(ctx, &tx{txn: txn, readOnly: true})
	})
}

func (b *Backend) Update(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(ctx, &tx{txn: txn})
	})
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

type tx struct {
	txn      *badger.Txn
	readOnly bool
}

func (t *tx) LoadGroup(_ context.Context, id group.ID) (*group.Record, error) {
	item, err := t.txn.Get([]byte(store.GroupKey(id)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger load group: %w", err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("badger load group: %w", err)
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
	if err := t.txn.Set([]byte(store.GroupKey(r.ID)), data); err != nil {
		return fmt.Errorf("badger save group: %w", err)
	}
	return nil
}

func (t *tx) DeleteGroup(_ context.Context, id group.ID) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if err := t.txn.Delete([]byte(store.GroupKey(id))); err != nil {
		return fmt.Errorf("badger delete group: %w", err)
	}
	return nil
}

func (t *tx) ListGroups(_ context.Context) ([]*group.Record, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixGroup)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []*group.Record
	for it.Rewind(); it.Valid(); it.Next() {
		data, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("badger list groups: %w", err)
		}
		r, err := group.UnmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *tx) LoadCredentials(_ context.Context) ([]transport.Credential, error) {
	item, err := t.txn.Get([]byte(keyCredentials))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("badger load credentials: %w", err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("badger load credentials: %w", err)
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
	return t.txn.Set([]byte(keyCredentials), data)
}

func (t *tx) ClearCredentials(_ context.Context) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	return t.txn.Delete([]byte(keyCredentials))
}
