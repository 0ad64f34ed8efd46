package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-groups/pkg/group"
)

type envelope struct {
	Meta struct {
		Type   string `json:"type"`
		Filter string `json:"filter"`
		Total  int    `json:"total"`
	} `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// execute runs the CLI with args against a fresh sqlite store in a temp
// data dir and decodes the JSON envelope it prints.
func execute(t *testing.T, dataDir string, args ...string) envelope {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(viper.New())
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--data-dir", dataDir, "--store", "sqlite", "-o", "json"}, args...))
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out.String())
	}
	var env envelope
	if err := json.Unmarshal(out.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	return env
}

func isolate(t *testing.T) string {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	return t.TempDir()
}

func TestSimulate(t *testing.T) {
	dataDir := isolate(t)
	env := execute(t, dataDir, "simulate", "--title", "chess club")

	if env.Meta.Type != "simulation" {
		t.Fatalf("meta type %q", env.Meta.Type)
	}
	var steps []map[string]string
	if err := json.Unmarshal(env.Data, &steps); err != nil {
		t.Fatal(err)
	}

	want := []struct{ step, outcome, revision string }{
		{"store legacy group", "", "0"},
		{"migrate", "does_not_exist_remote > creating > local_migrated > synced", "1"},
		{"join migrated group", "updated", "1"},
		{"update timer during rename", "applied after 2 submits", "3"},
		{"rename during rename", `superseded by "peer's title"`, "4"},
		{"synchronize", "updated", "4"},
		{"compare records", "converged", "4"},
	}
	if len(steps) != len(want) {
		t.Fatalf("%d steps, want %d: %v", len(steps), len(want), steps)
	}
	for i, w := range want {
		got := steps[i]
		if got["step"] != w.step || got["revision"] != w.revision {
			t.Errorf("step %d = %v, want %s at revision %s", i, got, w.step, w.revision)
		}
		if w.outcome != "" && got["outcome"] != w.outcome {
			t.Errorf("step %q outcome %q, want %q", w.step, got["outcome"], w.outcome)
		}
	}

	// The migrated group stays in the configured store.
	list := execute(t, dataDir, "list", "--filter", `migrated && title == "peer's title"`)
	var rows []map[string]string
	if err := json.Unmarshal(list.Data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["revision"] != "4" || rows[0]["kind"] != "revisioned" {
		t.Errorf("listed %v", rows)
	}
}

func TestLegacyCreateListShow(t *testing.T) {
	dataDir := isolate(t)
	self, peer := uuid.New(), uuid.New()

	created := execute(t, dataDir, "--self", self.String(), "legacy", "create",
		"--title", "book club", "-m", peer.String(), "-m", self.String())
	var res map[string]any
	if err := json.Unmarshal(created.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res["members"] != float64(2) {
		t.Errorf("created %v", res)
	}
	id, _ := res["id"].(string)
	if _, err := group.ParseID(id); err != nil {
		t.Fatalf("id %q: %v", id, err)
	}

	list := execute(t, dataDir, "list", "--filter", `kind == "legacy" && members == 2`)
	if list.Meta.Filter == "" || list.Meta.Total != 1 {
		t.Errorf("meta %+v", list.Meta)
	}
	var rows []map[string]string
	if err := json.Unmarshal(list.Data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["title"] != "book club" {
		t.Errorf("rows %v", rows)
	}

	empty := execute(t, dataDir, "list", "--filter", `kind == "revisioned"`)
	if err := json.Unmarshal(empty.Data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("revisioned filter matched %v", rows)
	}

	shown := execute(t, dataDir, "show", id)
	var kv map[string]any
	if err := json.Unmarshal(shown.Data, &kv); err != nil {
		t.Fatal(err)
	}
	if kv["kind"] != "legacy" || kv["title"] != "book club" || kv["active"] != true {
		t.Errorf("show %v", kv)
	}
	if members, _ := kv["members"].(string); !strings.Contains(members, peer.String()) {
		t.Errorf("members %q", members)
	}
}

func TestLegacyCreateRequiresSelf(t *testing.T) {
	dataDir := isolate(t)
	cmd := newRootCmd(viper.New())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--data-dir", dataDir, "--store", "memory", "legacy", "create"})
	if err := cmd.ExecuteContext(context.Background()); err == nil || !strings.Contains(err.Error(), "--self") {
		t.Fatalf("err = %v", err)
	}
}

func TestDerive(t *testing.T) {
	dataDir := isolate(t)
	legacy, err := group.GenerateLegacyID()
	if err != nil {
		t.Fatal(err)
	}
	wantID, _, err := group.DeriveRevisionedID(legacy)
	if err != nil {
		t.Fatal(err)
	}

	env := execute(t, dataDir, "derive", legacy.String())
	var kv map[string]string
	if err := json.Unmarshal(env.Data, &kv); err != nil {
		t.Fatal(err)
	}
	if kv["group_id"] != wantID.String() || kv["legacy_id"] != legacy.String() || len(kv["public_key"]) != 64 {
		t.Errorf("derive %v", kv)
	}
}

func TestCredentialsAfterSimulate(t *testing.T) {
	dataDir := isolate(t)
	self := uuid.New()
	execute(t, dataDir, "--self", self.String(), "simulate")

	list := execute(t, dataDir, "credentials", "list")
	var rows []map[string]string
	if err := json.Unmarshal(list.Data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) == 0 {
		t.Fatal("simulate cached no credentials")
	}
	for _, r := range rows {
		if r["valid"] != "true" {
			t.Errorf("invalid credential %v", r)
		}
	}

	cleared := execute(t, dataDir, "credentials", "clear")
	var res map[string]any
	if err := json.Unmarshal(cleared.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res["removed"] != float64(len(rows)) {
		t.Errorf("cleared %v, want %d removed", res, len(rows))
	}

	after := execute(t, dataDir, "credentials", "list")
	if err := json.Unmarshal(after.Data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("credentials left after clear: %v", rows)
	}
}

func TestBackends(t *testing.T) {
	env := execute(t, isolate(t), "backends")
	var names []string
	if err := json.Unmarshal(env.Data, &names); err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "badger,memory,redis,sqlite" {
		t.Errorf("backends %v", names)
	}
}

func TestShowMissingRendersError(t *testing.T) {
	dataDir := isolate(t)
	id, err := group.GenerateLegacyID()
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := newRootCmd(viper.New())
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--data-dir", dataDir, "--store", "sqlite", "-o", "json", "show", id.String()})
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected error for a group that is not stored")
	}

	var env envelope
	if err := json.Unmarshal(out.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	var data map[string]string
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if env.Meta.Type != "show-error" || data["code"] != "not_found" || data["error"] == "" {
		t.Errorf("error document %s %v", env.Meta.Type, data)
	}
}
