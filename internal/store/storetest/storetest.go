// Package storetest provides a conformance suite run against every store
// backend.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/gezibash/arc-groups/internal/grouplock"
	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"SaveLoad", testSaveLoad},
		{"LoadMissing", testLoadMissing},
		{"Overwrite", testOverwrite},
		{"Delete", testDelete},
		{"List", testList},
		{"UpdateRollback", testUpdateRollback},
		{"ReadYourWrites", testReadYourWrites},
		{"ViewIsReadOnly", testViewIsReadOnly},
		{"FindByMigratedFrom", testFindByMigratedFrom},
		{"Credentials", testCredentials},
		{"TransactionMarked", testTransactionMarked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

// Record builds a revisioned record with one admin member.
func Record(t *testing.T) *group.Record {
	t.Helper()
	mk, err := group.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	sp := group.DeriveSecretParams(mk)
	return &group.Record{
		ID:        sp.GroupID(),
		MasterKey: &mk,
		Revision:  1,
		Title:     "book club",
		Members:   []group.Member{{ACI: uuid.New(), Role: group.RoleAdmin, ProfileKey: []byte("pk"), JoinedAtRevision: 1}},
		Access:    group.AccessControl{Attributes: group.AccessMember, Members: group.AccessAdministrator},
		Active:    true,
	}
}

func testSaveLoad(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := Record(t)

	if err := store.SaveGroup(ctx, s, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadGroup(ctx, s, r.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ID != r.ID || got.Revision != r.Revision || got.Title != r.Title {
		t.Errorf("loaded %s rev %d %q, want %s rev %d %q", got.ID, got.Revision, got.Title, r.ID, r.Revision, r.Title)
	}
	if got.MasterKey == nil || *got.MasterKey != *r.MasterKey {
		t.Error("master key not preserved")
	}
	if len(got.Members) != 1 || got.Members[0].ACI != r.Members[0].ACI {
		t.Errorf("members = %+v", got.Members)
	}
}

func testLoadMissing(t *testing.T, s store.Store) {
	id, err := group.GenerateLegacyID()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadGroup(context.Background(), s, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testOverwrite(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := Record(t)
	if err := store.SaveGroup(ctx, s, r); err != nil {
		t.Fatal(err)
	}

	r.Revision = 7
	r.Title = "renamed"
	if err := store.SaveGroup(ctx, s, r); err != nil {
		t.Fatal(err)
	}

	got, err := store.LoadGroup(ctx, s, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Revision != 7 || got.Title != "renamed" {
		t.Errorf("got rev %d %q after overwrite", got.Revision, got.Title)
	}
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := Record(t)
	if err := store.SaveGroup(ctx, s, r); err != nil {
		t.Fatal(err)
	}
	err := s.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteGroup(ctx, r.ID)
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadGroup(ctx, s, r.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	want := map[group.ID]bool{}
	for range 3 {
		r := Record(t)
		want[r.ID] = true
		if err := store.SaveGroup(ctx, s, r); err != nil {
			t.Fatal(err)
		}
	}

	var got []*group.Record
	err := s.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		got, err = tx.ListGroups(ctx)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("listed %d groups, want %d", len(got), len(want))
	}
	for _, r := range got {
		if !want[r.ID] {
			t.Errorf("unexpected group %s", r.ID)
		}
	}
}

func testUpdateRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b := Record(t), Record(t)
	boom := errors.New("boom")

	err := s.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.SaveGroup(ctx, a); err != nil {
			return err
		}
		if err := tx.SaveGroup(ctx, b); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	for _, r := range []*group.Record{a, b} {
		if _, err := store.LoadGroup(ctx, s, r.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("group %s persisted by failed update: %v", r.ID.Short(), err)
		}
	}
}

func testReadYourWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := Record(t)

	err := s.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.SaveGroup(ctx, r); err != nil {
			return err
		}
		got, err := tx.LoadGroup(ctx, r.ID)
		if err != nil {
			return err
		}
		if got.Revision != r.Revision {
			t.Errorf("in-tx read revision %d, want %d", got.Revision, r.Revision)
		}
		listed, err := tx.ListGroups(ctx)
		if err != nil {
			return err
		}
		if len(listed) != 1 {
			t.Errorf("in-tx list returned %d groups, want 1", len(listed))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testViewIsReadOnly(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := Record(t)
	err := s.View(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveGroup(ctx, r)
	})
	if !errors.Is(err, store.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
}

func testFindByMigratedFrom(t *testing.T, s store.Store) {
	ctx := context.Background()
	legacy, err := group.GenerateLegacyID()
	if err != nil {
		t.Fatal(err)
	}
	r := Record(t)
	r.MigratedFrom = legacy
	if err := store.SaveGroup(ctx, s, Record(t)); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveGroup(ctx, s, r); err != nil {
		t.Fatal(err)
	}

	err = s.View(ctx, func(ctx context.Context, tx store.Tx) error {
		got, err := store.FindByMigratedFrom(ctx, tx, legacy)
		if err != nil {
			return err
		}
		if got.ID != r.ID {
			t.Errorf("found %s, want %s", got.ID, r.ID)
		}
		other, err := group.GenerateLegacyID()
		if err != nil {
			return err
		}
		if _, err := store.FindByMigratedFrom(ctx, tx, other); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown legacy id, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testCredentials(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := store.CredentialPersister{Store: s}

	creds, err := p.LoadCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 0 {
		t.Fatalf("fresh store has %d credentials", len(creds))
	}

	batch := []transport.Credential{
		{Day: 100, Material: []byte("m100"), Tag: []byte("t100")},
		{Day: 101, Material: []byte("m101"), Tag: []byte("t101")},
	}
	if err := p.SaveCredentials(ctx, batch); err != nil {
		t.Fatal(err)
	}
	creds, err = p.LoadCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 2 || creds[0].Day != 100 || string(creds[1].Material) != "m101" {
		t.Errorf("loaded %+v", creds)
	}

	if err := p.SaveCredentials(ctx, batch[1:]); err != nil {
		t.Fatal(err)
	}
	creds, err = p.LoadCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 1 || creds[0].Day != 101 {
		t.Errorf("save did not replace batch: %+v", creds)
	}

	if err := p.ClearCredentials(ctx); err != nil {
		t.Fatal(err)
	}
	creds, err = p.LoadCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 0 {
		t.Errorf("%d credentials after clear", len(creds))
	}
}

func testTransactionMarked(t *testing.T, s store.Store) {
	lock := grouplock.New()
	err := s.Update(context.Background(), func(ctx context.Context, _ store.Tx) error {
		_, p, err := lock.Acquire(ctx, "test")
		p.Release()
		return err
	})
	if !errors.Is(err, grouplock.ErrLockOrder) {
		t.Errorf("expected ErrLockOrder, got %v", err)
	}
}
