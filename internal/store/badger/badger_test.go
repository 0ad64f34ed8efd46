package badger

import (
	"context"
	"errors"
	"testing"

	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := NewFactory(context.Background(), map[string]string{KeyInMemory: "true"})
		if err != nil {
			t.Fatal(err)
		}
		return store.Wrap("badger", s)
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := map[string]string{KeyPath: t.TempDir(), KeySyncWrites: "false"}

	s, err := NewFactory(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	r := storetest.Record(t)
	if err := store.SaveGroup(ctx, s, r); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = NewFactory(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := store.LoadGroup(ctx, s, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != r.Title {
		t.Errorf("title = %q, want %q", got.Title, r.Title)
	}
}

func TestInvalidConfig(t *testing.T) {
	_, err := NewFactory(context.Background(), map[string]string{KeyInMemory: "maybe"})
	var cfgErr *store.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cfgErr.Field != KeyInMemory {
		t.Errorf("field = %q", cfgErr.Field)
	}
}
