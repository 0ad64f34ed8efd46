package groupserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-groups/internal/credential"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
)

type fixture struct {
	srv *Server
	sp  group.SecretParams
	id  group.ID
}

func newFixture(t *testing.T, creator uuid.UUID, opts ...Option) *fixture {
	t.Helper()
	mk, err := group.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	srv := New(opts...)
	sp := group.DeriveSecretParams(mk)
	genesis := group.Change{Revision: 1, Actions: []group.Action{
		group.AddMember{Member: group.Member{ACI: creator, Role: group.RoleAdmin}},
		group.ModifyTitle{Title: "book club"},
		group.ModifyAttributesAccess{Access: group.AccessMember},
		group.ModifyMembersAccess{Access: group.AccessAdministrator},
	}}
	if err := srv.Create(creator, sp, genesis); err != nil {
		t.Fatal(err)
	}
	return &fixture{srv: srv, sp: sp, id: sp.GroupID()}
}

func (f *fixture) token(t *testing.T, aci uuid.UUID) transport.AuthToken {
	t.Helper()
	cache := credential.New(f.srv.Client(aci), credential.KeyedDeriver{})
	tok, err := cache.Authorization(context.Background(), aci, f.sp)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) submit(t *testing.T, aci uuid.UUID, change group.Change) ([]byte, error) {
	t.Helper()
	sealed, err := group.Operations{}.EncryptChange(f.sp, change)
	if err != nil {
		t.Fatal(err)
	}
	return f.srv.Client(aci).SubmitChange(context.Background(), f.sp, sealed, f.token(t, aci))
}

func TestCreate(t *testing.T) {
	alice := uuid.New()
	f := newFixture(t, alice)

	st, ok := f.srv.State(f.id)
	if !ok || st.Revision != 1 || !st.IsMember(alice) {
		t.Fatalf("state %+v", st)
	}

	err := f.srv.Create(alice, f.sp, group.Change{Revision: 1, Actions: []group.Action{
		group.AddMember{Member: group.Member{ACI: alice, Role: group.RoleAdmin}},
	}})
	if !errors.Is(err, transport.ErrGroupExists) {
		t.Errorf("expected ErrGroupExists, got %v", err)
	}
}

func TestCreateRequiresCreatorMembership(t *testing.T) {
	mk, err := group.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	err = New().Create(uuid.New(), group.DeriveSecretParams(mk), group.Change{Revision: 1, Actions: []group.Action{
		group.AddMember{Member: group.Member{ACI: uuid.New(), Role: group.RoleAdmin}},
	}})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestFetchGroupStatus(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	f := newFixture(t, alice)
	ctx := context.Background()

	status, err := f.srv.Client(alice).FetchGroupStatus(ctx, f.sp, f.token(t, alice))
	if err != nil || status != transport.StatusMember {
		t.Errorf("alice: %s %v", status, err)
	}
	status, err = f.srv.Client(bob).FetchGroupStatus(ctx, f.sp, f.token(t, bob))
	if err != nil || status != transport.StatusNotAMember {
		t.Errorf("bob: %s %v", status, err)
	}

	mk, err := group.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	other := &fixture{srv: f.srv, sp: group.DeriveSecretParams(mk)}
	status, err = f.srv.Client(alice).FetchGroupStatus(ctx, other.sp, other.token(t, alice))
	if err != nil || status != transport.StatusDoesNotExist {
		t.Errorf("unknown group: %s %v", status, err)
	}
}

func TestSubmitChange(t *testing.T) {
	alice := uuid.New()
	f := newFixture(t, alice)

	signed, err := f.submit(t, alice, group.Change{Revision: 2, Actions: []group.Action{group.ModifyTimer{Seconds: 60}}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := group.Operations{}.DecryptChange(f.sp, signed)
	if err != nil {
		t.Fatal(err)
	}
	if got.Revision != 2 || got.Editor != alice {
		t.Errorf("signed change revision %d editor %s", got.Revision, got.Editor)
	}
	if st, _ := f.srv.State(f.id); st.Timer != 60 {
		t.Errorf("timer %d", st.Timer)
	}
	if n := f.srv.Submits(f.id); n != 1 {
		t.Errorf("%d submits", n)
	}
}

func TestSubmitConflict(t *testing.T) {
	alice := uuid.New()
	f := newFixture(t, alice)

	for _, rev := range []uint32{1, 3} {
		_, err := f.submit(t, alice, group.Change{Revision: rev, Actions: []group.Action{group.ModifyTitle{Title: "x"}}})
		if !errors.Is(err, transport.ErrConflict) {
			t.Errorf("revision %d: expected ErrConflict, got %v", rev, err)
		}
	}
}

func TestSubmitAccessControl(t *testing.T) {
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	f := newFixture(t, alice)
	if _, err := f.srv.Commit(alice, f.id, group.AddMember{Member: group.Member{ACI: bob, Role: group.RoleMember}}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		action group.Action
		want   error
	}{
		{"member edits title", group.ModifyTitle{Title: "mine"}, nil},
		{"member adds member", group.AddMember{Member: group.Member{ACI: carol, Role: group.RoleMember}}, transport.ErrForbidden},
		{"member changes role", group.ModifyRole{ACI: alice, Role: group.RoleMember}, transport.ErrForbidden},
		{"member changes access", group.ModifyAttributesAccess{Access: group.AccessAny}, transport.ErrForbidden},
		{"member removes other", group.RemoveMember{ACI: alice}, transport.ErrForbidden},
		{"member removes self", group.RemoveMember{ACI: bob}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, _ := f.srv.State(f.id)
			_, err := f.submit(t, bob, group.Change{Revision: st.Revision + 1, Actions: []group.Action{tt.action}})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := f.submit(t, bob, group.Change{Revision: 99}); !errors.Is(err, transport.ErrNotInGroup) {
		t.Errorf("removed member: expected ErrNotInGroup, got %v", err)
	}
}

func TestChangeHistoryFromJoin(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	f := newFixture(t, alice, WithPageSize(2))
	for range 3 {
		if _, err := f.srv.Commit(alice, f.id, group.ModifyDescription{Description: uuid.NewString()}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.srv.Commit(alice, f.id, group.AddMember{Member: group.Member{ACI: bob, Role: group.RoleMember}}); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := f.srv.Commit(alice, f.id, group.ModifyTimer{Seconds: 1}); err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	c := f.srv.Client(bob)
	tok := f.token(t, bob)

	joined, err := c.FetchJoinedAtRevision(ctx, f.sp, tok)
	if err != nil || joined != 5 {
		t.Fatalf("joined at %d: %v", joined, err)
	}

	var revs []uint32
	from := uint32(0)
	for {
		page, err := c.FetchChangeHistory(ctx, f.sp, from, tok)
		if err != nil {
			t.Fatal(err)
		}
		for _, ch := range page.Changes {
			revs = append(revs, ch.Revision)
		}
		if !page.HasMore {
			break
		}
		from = page.NextRevision - 1
	}
	want := []uint32{5, 6, 7, 8}
	if len(revs) != len(want) {
		t.Fatalf("history revisions %v, want %v", revs, want)
	}
	for i := range want {
		if revs[i] != want[i] {
			t.Errorf("history revisions %v, want %v", revs, want)
			break
		}
	}
}

func TestFetchGroupState(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	f := newFixture(t, alice)
	if _, err := f.srv.Commit(alice, f.id, group.AddMember{Member: group.Member{ACI: bob, Role: group.RoleMember}}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	c := f.srv.Client(bob)
	tok := f.token(t, bob)

	sealed, err := c.FetchGroupState(ctx, f.sp, transport.Latest, tok)
	if err != nil {
		t.Fatal(err)
	}
	st, err := group.Operations{}.DecryptState(f.sp, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if st.Revision != 2 || !st.IsMember(bob) {
		t.Errorf("latest state revision %d", st.Revision)
	}

	if _, err := c.FetchGroupState(ctx, f.sp, 1, tok); !errors.Is(err, transport.ErrForbidden) {
		t.Errorf("state before joining: expected ErrForbidden, got %v", err)
	}
	for _, rev := range []uint32{0, 3} {
		if _, err := c.FetchGroupState(ctx, f.sp, rev, tok); !errors.Is(err, transport.ErrNotFound) {
			t.Errorf("revision %d: expected ErrNotFound, got %v", rev, err)
		}
	}
}

func TestAuthorizationChecks(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	f := newFixture(t, alice)
	ctx := context.Background()
	c := f.srv.Client(alice)

	stolen := f.token(t, bob)
	if _, err := c.FetchJoinedAtRevision(ctx, f.sp, stolen); !errors.Is(err, transport.ErrUnauthorized) {
		t.Errorf("token of another account: %v", err)
	}

	tok := f.token(t, alice)
	tok.Presentation[0] ^= 0xff
	if _, err := c.FetchJoinedAtRevision(ctx, f.sp, tok); !errors.Is(err, transport.ErrUnauthorized) {
		t.Errorf("tampered presentation: %v", err)
	}

	f.srv.now = func() time.Time { return time.Now().Add(72 * time.Hour) }
	if _, err := c.FetchJoinedAtRevision(ctx, f.sp, f.token(t, alice)); !errors.Is(err, transport.ErrUnauthorized) {
		t.Errorf("stale day: %v", err)
	}
}

func TestFetchCredentialBatch(t *testing.T) {
	srv := New(WithCredentialWindow(3))
	aci := uuid.New()
	today := credential.Today(time.Now())

	batch, err := srv.Client(aci).FetchCredentialBatch(context.Background(), today)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 3 {
		t.Fatalf("%d credentials, want 3", len(batch))
	}
	for i, c := range batch {
		if c.Day != today+int64(i) {
			t.Errorf("credential %d for day %d", i, c.Day)
		}
		if !credential.VerifyCredential(c) {
			t.Errorf("credential %d does not verify", i)
		}
	}
}

func TestSubmitHook(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	f := newFixture(t, alice)
	if _, err := f.srv.Commit(alice, f.id, group.AddMember{Member: group.Member{ACI: bob, Role: group.RoleAdmin}}); err != nil {
		t.Fatal(err)
	}

	var seen []uuid.UUID
	f.srv.OnBeforeSubmit(func(id group.ID, from uuid.UUID) {
		seen = append(seen, from)
		if len(seen) == 1 {
			if _, err := f.srv.Commit(bob, id, group.ModifyTitle{Title: "bob"}); err != nil {
				t.Error(err)
			}
		}
	})

	_, err := f.submit(t, alice, group.Change{Revision: 3, Actions: []group.Action{group.ModifyTimer{Seconds: 5}}})
	if !errors.Is(err, transport.ErrConflict) {
		t.Errorf("expected conflict from hooked commit, got %v", err)
	}
	if len(seen) != 1 || seen[0] != alice {
		t.Errorf("hook saw %v", seen)
	}
}
