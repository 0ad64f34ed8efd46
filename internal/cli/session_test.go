package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-groups/internal/config"
	"github.com/gezibash/arc-groups/internal/groupserver"
	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/pkg/group"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DataDir:   t.TempDir(),
		Store:     config.StoreConfig{Backend: "memory"},
		Lock:      config.LockConfig{Timeout: time.Second},
		Commit:    config.CommitConfig{MaxAttempts: 3},
		Migration: config.MigrationConfig{MaxMembers: 10, Auto: true},
		Observability: config.ObservabilityConfig{
			LogLevel:    "debug",
			LogFormat:   "json",
			ServiceName: "arc-groups-test",
		},
	}
}

func TestOpenSessionCommit(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	s, err := Open(ctx, testConfig(t), &logs)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close(ctx) })

	if got := store.BackendName(s.Store); got != "memory" {
		t.Errorf("backend = %q", got)
	}

	self := uuid.New()
	srv := groupserver.New()
	m, _, err := s.Manager(self, s.Store, srv.Client(self))
	if err != nil {
		t.Fatal(err)
	}
	if m.Lock() != s.Lock {
		t.Error("manager does not share the session lock")
	}

	mk, err := group.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	sp := group.DeriveSecretParams(mk)
	genesis := group.Change{Revision: 1, Actions: []group.Action{
		group.AddMember{Member: group.Member{ACI: self, Role: group.RoleAdmin, ProfileKey: self[:]}},
		group.ModifyTitle{Title: "session"},
		group.ModifyAttributesAccess{Access: group.AccessMember},
		group.ModifyMembersAccess{Access: group.AccessAdministrator},
	}}
	if err := srv.Create(self, sp, genesis); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddGroup(ctx, mk); err != nil {
		t.Fatal(err)
	}

	ed, err := m.Edit(ctx, sp.GroupID())
	if err != nil {
		t.Fatal(err)
	}
	res, err := ed.UpdateTimer(ctx, 60)
	ed.Close()
	if err != nil {
		t.Fatal(err)
	}
	if res.State.Timer != 60 {
		t.Errorf("timer = %d", res.State.Timer)
	}

	if !strings.Contains(logs.String(), `"component":"announce"`) {
		t.Errorf("announcement not logged:\n%s", logs.String())
	}
}

func TestOpenSessionLogFile(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s, err := Open(ctx, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Log.Info("hello")
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "log", "cli.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file = %q", data)
	}
}

func TestOpenSessionUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "tape"
	if _, err := Open(context.Background(), cfg, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
