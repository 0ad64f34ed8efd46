package groups

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-groups/internal/credential"
	"github.com/gezibash/arc-groups/internal/grouplock"
	"github.com/gezibash/arc-groups/internal/groupserver"
	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/store/memory"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
)

type recorder struct {
	mu  sync.Mutex
	got []Announcement
}

func (r *recorder) Announce(_ context.Context, a Announcement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return nil
}

func (r *recorder) all() []Announcement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Announcement(nil), r.got...)
}

func (r *recorder) count(kind AnnouncementKind) int {
	n := 0
	for _, a := range r.all() {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

type client struct {
	m     *Manager
	store store.Store
	ann   *recorder
	aci   uuid.UUID
}

func newClient(t *testing.T, srv *groupserver.Server, aci uuid.UUID, cfg Config, opts ...Option) *client {
	t.Helper()
	return newClientWith(t, srv.Client(aci), aci, cfg, opts...)
}

func newClientWith(t *testing.T, tr transport.Transport, aci uuid.UUID, cfg Config, opts ...Option) *client {
	t.Helper()
	return newClientOn(t, tr, store.Wrap("memory", memory.New()), aci, cfg, opts...)
}

func newClientOn(t *testing.T, tr transport.Transport, s store.Store, aci uuid.UUID, cfg Config, opts ...Option) *client {
	t.Helper()
	t.Cleanup(func() { s.Close() })

	creds := credential.New(tr, credential.KeyedDeriver{},
		credential.WithPersister(store.CredentialPersister{Store: s}))
	ann := &recorder{}

	cfg.Self = aci
	opts = append([]Option{WithAnnouncer(ann)}, opts...)
	m, err := New(cfg, s, tr, creds, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return &client{m: m, store: s, ann: ann, aci: aci}
}

func admin(aci uuid.UUID) group.AddMember {
	return group.AddMember{Member: group.Member{ACI: aci, Role: group.RoleAdmin, ProfileKey: aci[:]}}
}

func member(aci uuid.UUID) group.AddMember {
	return group.AddMember{Member: group.Member{ACI: aci, Role: group.RoleMember, ProfileKey: aci[:]}}
}

// createGroup creates a revision 1 group on srv and returns its master key.
func createGroup(t *testing.T, srv *groupserver.Server, creator uuid.UUID, actions ...group.Action) group.MasterKey {
	t.Helper()
	mk, err := group.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	actions = append(actions,
		group.ModifyTitle{Title: "book club"},
		group.ModifyAttributesAccess{Access: group.AccessMember},
		group.ModifyMembersAccess{Access: group.AccessMember},
	)
	genesis := group.Change{Revision: 1, Actions: actions}
	if err := srv.Create(creator, group.DeriveSecretParams(mk), genesis); err != nil {
		t.Fatal(err)
	}
	return mk
}

func (c *client) join(t *testing.T, mk group.MasterKey) *group.Record {
	t.Helper()
	res, err := c.m.AddGroup(context.Background(), mk)
	if err != nil {
		t.Fatalf("add group: %v", err)
	}
	return res.State
}

func (c *client) load(t *testing.T, id group.ID) *group.Record {
	t.Helper()
	r, err := store.LoadGroup(context.Background(), c.store, id)
	if err != nil {
		t.Fatalf("load %s: %v", id.Short(), err)
	}
	return r
}

func (c *client) edit(t *testing.T, id group.ID) *Editor {
	t.Helper()
	e, err := c.m.Edit(context.Background(), id)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func mustKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("expected %s error, got %s: %v", want, got, err)
	}
}

// failingCrypto wraps group.Operations with injectable failures.
type failingCrypto struct {
	group.Operations
	decryptChangeErr error
}

func (f failingCrypto) DecryptChange(sp group.SecretParams, sealed []byte) (group.Change, error) {
	if f.decryptChangeErr != nil {
		return group.Change{}, f.decryptChangeErr
	}
	return f.Operations.DecryptChange(sp, sealed)
}

// flakyTransport fails selected calls of an underlying transport.
type flakyTransport struct {
	transport.Transport
	createErr error
	submitErr error
	batches   int
}

func (f *flakyTransport) SubmitChange(ctx context.Context, sp group.SecretParams, change []byte, auth transport.AuthToken) ([]byte, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.Transport.SubmitChange(ctx, sp, change, auth)
}

func (f *flakyTransport) FetchCredentialBatch(ctx context.Context, today int64) ([]transport.Credential, error) {
	f.batches++
	return f.Transport.FetchCredentialBatch(ctx, today)
}

func (f *flakyTransport) CreateGroup(ctx context.Context, sp group.SecretParams, genesis []byte, auth transport.AuthToken) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Transport.CreateGroup(ctx, sp, genesis, auth)
}

// failingStore rejects writes while updateErr is set.
type failingStore struct {
	store.Store
	updateErr error
}

func (f *failingStore) Update(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.Store.Update(ctx, fn)
}

func shortLock() Option {
	return WithLock(grouplock.New(grouplock.WithTimeout(50 * time.Millisecond)))
}
