package store_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/gezibash/arc-groups/internal/observability"
	"github.com/gezibash/arc-groups/internal/store"
	_ "github.com/gezibash/arc-groups/internal/store/memory"
)

func TestNewUnknownBackend(t *testing.T) {
	_, err := store.New(context.Background(), "tape", nil, nil)
	var cfgErr *store.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestNewRegisteredBackend(t *testing.T) {
	if !store.IsRegistered("memory") {
		t.Fatal("memory backend not registered")
	}
	if !slices.Contains(store.ListBackends(), "memory") {
		t.Errorf("ListBackends() = %v", store.ListBackends())
	}

	s, err := store.New(context.Background(), "memory", nil, observability.NewMetrics())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if got := store.BackendName(s); got != "memory" {
		t.Errorf("BackendName = %q", got)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	store.Register("memory", nil, nil)
}

func TestConfigHelpers(t *testing.T) {
	cfg := store.MergeConfig(
		map[string]string{"a": "1", "b": "true", "c": "2s"},
		map[string]string{"a": "5"},
	)

	n, err := store.GetInt("x", cfg, "a", 0)
	if err != nil || n != 5 {
		t.Errorf("GetInt = %d, %v", n, err)
	}
	b, err := store.GetBool("x", cfg, "b", false)
	if err != nil || !b {
		t.Errorf("GetBool = %v, %v", b, err)
	}
	d, err := store.GetDuration("x", cfg, "c", 0)
	if err != nil || d != 2*time.Second {
		t.Errorf("GetDuration = %v, %v", d, err)
	}
	if got := store.GetString(cfg, "missing", "def"); got != "def" {
		t.Errorf("GetString = %q", got)
	}

	if _, err := store.GetInt("x", map[string]string{"a": "nope"}, "a", 0); err == nil {
		t.Error("expected error for non-integer")
	}
}
