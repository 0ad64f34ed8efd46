package announce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-groups/internal/groups"
	"github.com/gezibash/arc-groups/pkg/group"
	"github.com/gezibash/arc-groups/pkg/logging"
)

func testAnnouncement(t *testing.T) groups.Announcement {
	t.Helper()
	mk, err := group.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	id := group.DeriveSecretParams(mk).GroupID()
	editor := uuid.New()
	old := &group.Record{ID: id, Revision: 4}
	next := &group.Record{ID: id, Revision: 5, Members: []group.Member{{ACI: editor, Role: group.RoleAdmin}}}
	return groups.Announcement{
		Kind:    groups.AnnounceChange,
		GroupID: id,
		Old:     old,
		Change:  &group.Change{Revision: 5, Editor: editor, Actions: []group.Action{group.ModifyTitle{Title: "x"}}},
		New:     next,
		Signed:  []byte("sealed change"),
	}
}

func TestNewMessage(t *testing.T) {
	a := testAnnouncement(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := NewMessage(a, now)
	id, err := ulid.ParseStrict(msg.ID)
	if err != nil {
		t.Fatalf("id %q: %v", msg.ID, err)
	}
	if !ulid.Time(id.Time()).Equal(now) {
		t.Errorf("id time %v, want %v", ulid.Time(id.Time()), now)
	}
	if msg.Kind != "change" || msg.OldRevision != 4 || msg.Revision != 5 || msg.Members != 1 {
		t.Errorf("message %+v", msg)
	}
	if msg.Editor != a.Change.Editor.String() || len(msg.Actions) != 1 || msg.Actions[0] != "modify_title" {
		t.Errorf("editor %s actions %v", msg.Editor, msg.Actions)
	}
	if msg.GroupID != a.GroupID.String() {
		t.Errorf("group id %s", msg.GroupID)
	}

	if other := NewMessage(a, now); other.ID == msg.ID {
		t.Error("ids are not unique")
	}
}

func TestNewMessageWithoutChange(t *testing.T) {
	a := testAnnouncement(t)
	a.Kind = groups.AnnounceMigration
	a.Old, a.Change, a.Signed = nil, nil, nil

	msg := NewMessage(a, time.Now())
	if msg.Kind != "migration" || msg.Editor != "" || msg.Actions != nil || msg.OldRevision != 0 {
		t.Errorf("message %+v", msg)
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	l := NewLog(logging.New(base))

	a := testAnnouncement(t)
	if err := l.Announce(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line %q: %v", buf.String(), err)
	}
	if rec["msg"] != "announcement" || rec["kind"] != "change" || rec["component"] != "announce" {
		t.Errorf("log record %v", rec)
	}
	if rec["group"] != a.GroupID.Short() {
		t.Errorf("group %v", rec["group"])
	}
}

type announcerFunc func(context.Context, groups.Announcement) error

func (f announcerFunc) Announce(ctx context.Context, a groups.Announcement) error { return f(ctx, a) }

func TestFanout(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	f := Fanout{
		announcerFunc(func(context.Context, groups.Announcement) error {
			calls = append(calls, "first")
			return boom
		}),
		announcerFunc(func(context.Context, groups.Announcement) error {
			calls = append(calls, "second")
			return nil
		}),
	}

	err := f.Announce(context.Background(), testAnnouncement(t))
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if strings.Join(calls, ",") != "first,second" {
		t.Errorf("calls %v", calls)
	}
	if err := (Fanout{}).Announce(context.Background(), testAnnouncement(t)); err != nil {
		t.Errorf("empty fanout: %v", err)
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	stream := fmt.Sprintf("test-%d-announcements", time.Now().UnixNano())
	t.Cleanup(func() { client.Del(ctx, stream) })

	r := NewRedis(client, stream, WithMaxLen(100))
	a := testAnnouncement(t)
	for range 3 {
		if err := r.Announce(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	got, err := r.Read(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d messages, want 3", len(got))
	}
	for _, msg := range got {
		if msg.GroupID != a.GroupID.String() || msg.Revision != 5 || string(msg.Signed) != "sealed change" {
			t.Errorf("message %+v", msg)
		}
	}
	if got[0].ID == got[1].ID {
		t.Error("duplicate announcement ids")
	}
}
