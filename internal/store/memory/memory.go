// Package memory provides an in-process store backend. Records are held in
// encoded form so callers never share memory with the store.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
)

func init() {
	store.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory backend.
func Defaults() map[string]string {
	return map[string]string{}
}

// NewFactory creates a new memory backend.
func NewFactory(_ context.Context, _ map[string]string) (store.Store, error) {
	return New(), nil
}

// Backend is an in-memory implementation of store.Store. Update
// transactions are serialized and staged, so a failed Update leaves no
// trace.
type Backend struct {
	mu     sync.RWMutex
	groups map[string][]byte
	creds  []byte
	closed atomic.Bool
}

// New creates an empty memory backend.
func New() *Backend {
	return &Backend{groups: make(map[string][]byte)}
}

func (b *Backend) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
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
	for k, v := range t.writes {
		if v == nil {
			delete(b.groups, k)
		} else {
			b.groups[k] = v
		}
	}
	if t.credsSet {
		b.creds = t.creds
	}
	return nil
}

func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

type tx struct {
	b        *Backend
	readOnly bool
	writes   map[string][]byte // nil value marks a delete
	creds    []byte
	credsSet bool
}

func (t *tx) get(key string) ([]byte, bool) {
	if v, ok := t.writes[key]; ok {
		return v, v != nil
	}
	v, ok := t.b.groups[key]
	return v, ok
}

func (t *tx) LoadGroup(_ context.Context, id group.ID) (*group.Record, error) {
	data, ok := t.get(store.GroupKey(id))
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

func (t *tx) ListGroups(_ context.Context) ([]*group.Record, error) {
	keys := make(map[string]struct{}, len(t.b.groups)+len(t.writes))
	for k := range t.b.groups {
		keys[k] = struct{}{}
	}
	for k := range t.writes {
		keys[k] = struct{}{}
	}

	var out []*group.Record
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		data, ok := t.get(k)
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

func (t *tx) LoadCredentials(_ context.Context) ([]transport.Credential, error) {
	if t.credsSet {
		return store.DecodeCredentials(t.creds)
	}
	return store.DecodeCredentials(t.b.creds)
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
