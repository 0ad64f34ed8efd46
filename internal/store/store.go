// Package store persists group records and authorization credentials.
//
// Backends register themselves by name (memory, badger, sqlite, redis) and
// are opened through New. All reads and writes happen inside View or Update
// transactions; an Update either commits every write or none.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gezibash/arc-groups/internal/grouplock"
	"github.com/gezibash/arc-groups/internal/transport"
	arcerrors "github.com/gezibash/arc-groups/pkg/errors"
	"github.com/gezibash/arc-groups/pkg/group"
)

var (
	// ErrNotFound indicates the requested group is not stored.
	ErrNotFound = fmt.Errorf("group %w in store", arcerrors.ErrNotFound)

	// ErrClosed indicates the store has been closed.
	ErrClosed = fmt.Errorf("store %w", arcerrors.ErrClosed)

	// ErrReadOnly is returned for writes inside a View transaction.
	ErrReadOnly = errors.New("write in read-only store transaction")
)

// Tx is a store transaction. It must not be used after the function it was
// passed to returns.
type Tx interface {
	LoadGroup(ctx context.Context, id group.ID) (*group.Record, error)
	SaveGroup(ctx context.Context, r *group.Record) error
	DeleteGroup(ctx context.Context, id group.ID) error
	ListGroups(ctx context.Context) ([]*group.Record, error)

	LoadCredentials(ctx context.Context) ([]transport.Credential, error)
	SaveCredentials(ctx context.Context, creds []transport.Credential) error
	ClearCredentials(ctx context.Context) error
}

// Store is a transactional group store. Implementations must be safe for
// concurrent use.
type Store interface {
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// guarded marks every transaction context so that the processing lock can
// detect acquisition from inside a transaction.
type guarded struct {
	Store
	name string
}

func (g guarded) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return g.Store.View(grouplock.EnterTransaction(ctx), fn)
}

func (g guarded) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return g.Store.Update(grouplock.EnterTransaction(ctx), fn)
}

// Wrap applies the transaction marking New applies to a store constructed
// directly from a backend package.
func Wrap(name string, s Store) Store {
	if g, ok := s.(guarded); ok {
		return g
	}
	return guarded{Store: s, name: name}
}

// BackendName returns the backend name of a store opened by New or Wrap.
func BackendName(s Store) string {
	if g, ok := s.(guarded); ok {
		return g.name
	}
	return ""
}

// LoadGroup reads one record in its own transaction.
func LoadGroup(ctx context.Context, s Store, id group.ID) (*group.Record, error) {
	var r *group.Record
	err := s.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		r, err = tx.LoadGroup(ctx, id)
		return err
	})
	return r, err
}

// SaveGroup writes one record in its own transaction.
func SaveGroup(ctx context.Context, s Store, r *group.Record) error {
	return s.Update(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveGroup(ctx, r)
	})
}

// FindByMigratedFrom returns the revisioned record that legacy was migrated
// to, or ErrNotFound.
func FindByMigratedFrom(ctx context.Context, tx Tx, legacy group.ID) (*group.Record, error) {
	records, err := tx.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.MigratedFrom == legacy {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

// CredentialPersister adapts a Store to the credential cache's persistence
// interface.
type CredentialPersister struct {
	Store Store
}

func (p CredentialPersister) LoadCredentials(ctx context.Context) ([]transport.Credential, error) {
	var creds []transport.Credential
	err := p.Store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		creds, err = tx.LoadCredentials(ctx)
		return err
	})
	return creds, err
}

func (p CredentialPersister) SaveCredentials(ctx context.Context, creds []transport.Credential) error {
	return p.Store.Update(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveCredentials(ctx, creds)
	})
}

func (p CredentialPersister) ClearCredentials(ctx context.Context) error {
	return p.Store.Update(ctx, func(ctx context.Context, tx Tx) error {
		return tx.ClearCredentials(ctx)
	})
}

// EncodeCredentials serializes a credential batch for key-value backends.
func EncodeCredentials(creds []transport.Credential) ([]byte, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	return data, nil
}

// DecodeCredentials parses the output of EncodeCredentials.
func DecodeCredentials(data []byte) ([]transport.Credential, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var creds []transport.Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// GroupKey is the key-value key for a record.
func GroupKey(id group.ID) string {
	return "group/" + id.String()
}
