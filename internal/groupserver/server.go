// Package groupserver is an in-memory group server. It keeps each group's
// authoritative change log, enforces revision ordering and access control,
// and issues daily authorization credentials. Tests and the simulate
// command run clients against it through per-user Client views.
package groupserver

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-groups/internal/credential"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
	"github.com/gezibash/arc-groups/pkg/logging"
)

const (
	// DefaultPageSize is the number of changes per history page.
	DefaultPageSize = 64

	// DefaultCredentialWindow is the number of days per credential batch.
	DefaultCredentialWindow = 7
)

// ErrInvalidPayload means a submitted payload did not decrypt or apply.
var ErrInvalidPayload = errors.New("invalid group payload")

// SubmitHook runs before a submission is processed, outside the server
// lock. It may call Commit to simulate a concurrent editor.
type SubmitHook func(id group.ID, from uuid.UUID)

// Server is an in-memory group server.
type Server struct {
	secret   [32]byte
	pageSize int
	window   int
	now      func() time.Time
	crypto   group.Operations
	log      *logging.Logger

	mu           sync.Mutex
	groups       map[group.ID]*serverGroup
	beforeSubmit SubmitHook
	submits      map[group.ID]int
}

type serverGroup struct {
	sp       group.SecretParams
	states   []group.Record // states[i] is the state at revision i+1
	changes  [][]byte       // changes[i] is the sealed change producing revision i+1
	joinedAt map[uuid.UUID]uint32
}

func (g *serverGroup) current() *group.Record {
	return &g.states[len(g.states)-1]
}

// Option configures a Server.
type Option func(*Server)

// WithPageSize sets the history page size.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithCredentialWindow sets the number of days per credential batch.
func WithCredentialWindow(days int) Option {
	return func(s *Server) {
		if days > 0 {
			s.window = days
		}
	}
}

// WithClock overrides the server clock.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log.WithComponent("groupserver")
		}
	}
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		pageSize: DefaultPageSize,
		window:   DefaultCredentialWindow,
		now:      time.Now,
		log:      logging.New(nil).WithComponent("groupserver"),
		groups:   make(map[group.ID]*serverGroup),
		submits:  make(map[group.ID]int),
	}
	if _, err := rand.Read(s.secret[:]); err != nil {
		panic(fmt.Sprintf("groupserver: generate secret: %v", err))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnBeforeSubmit installs a hook run before each SubmitChange.
func (s *Server) OnBeforeSubmit(hook SubmitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeSubmit = hook
}

// Submits returns the number of SubmitChange calls seen for id.
func (s *Server) Submits(id group.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits[id]
}

// State returns a copy of the current state of id.
func (s *Server) State(id group.ID) (group.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return group.Record{}, false
	}
	return g.current().Clone(), true
}

// Create creates a group from a genesis change on behalf of creator. It
// skips authorization and is meant for seeding.
func (s *Server) Create(creator uuid.UUID, sp group.SecretParams, genesis group.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(creator, sp, genesis)
}

// Commit applies actions as editor at the next revision, as if another
// client had submitted them.
func (s *Server) Commit(editor uuid.UUID, id group.ID, actions ...group.Action) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return 0, transport.ErrNotFound
	}
	change := group.Change{Revision: g.current().Revision + 1, Editor: editor, Actions: actions}
	if _, err := s.appendLocked(g, editor, change); err != nil {
		return 0, err
	}
	return change.Revision, nil
}

// Client returns the transport view of the server for one user.
func (s *Server) Client(aci uuid.UUID) *Client {
	return &Client{s: s, aci: aci}
}

func (s *Server) createLocked(creator uuid.UUID, sp group.SecretParams, genesis group.Change) error {
	id := sp.GroupID()
	if _, exists := s.groups[id]; exists {
		return transport.ErrGroupExists
	}
	genesis.Editor = creator
	st, err := group.Apply(group.Record{ID: id}, genesis)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if !st.IsMember(creator) {
		return fmt.Errorf("%w: creator is not a member", ErrInvalidPayload)
	}
	sealed, err := s.crypto.EncryptChange(sp, genesis)
	if err != nil {
		return err
	}

	g := &serverGroup{
		sp:       sp,
		states:   []group.Record{st},
		changes:  [][]byte{sealed},
		joinedAt: make(map[uuid.UUID]uint32),
	}
	for _, m := range st.Members {
		g.joinedAt[m.ACI] = st.Revision
	}
	for _, p := range st.Pending {
		g.joinedAt[p.ACI] = st.Revision
	}
	s.groups[id] = g
	s.log.WithGroup(id).Info("group created", "members", len(st.Members))
	return nil
}

// appendLocked checks rights, applies change and appends it to the log.
// It returns the sealed change as the server signs it.
func (s *Server) appendLocked(g *serverGroup, editor uuid.UUID, change group.Change) ([]byte, error) {
	cur := g.current()
	if !cur.IsMember(editor) {
		return nil, transport.ErrNotInGroup
	}
	if change.Revision != cur.Revision+1 {
		return nil, transport.ErrConflict
	}
	if err := authorize(cur, editor, change); err != nil {
		return nil, err
	}

	change.Editor = editor
	next, err := group.Apply(*cur, change)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	sealed, err := s.crypto.EncryptChange(g.sp, change)
	if err != nil {
		return nil, err
	}

	for _, m := range next.Members {
		if !cur.IsMember(m.ACI) && !cur.IsPending(m.ACI) {
			g.joinedAt[m.ACI] = next.Revision
		}
	}
	for _, p := range next.Pending {
		if !cur.IsMember(p.ACI) && !cur.IsPending(p.ACI) {
			g.joinedAt[p.ACI] = next.Revision
		}
	}
	g.states = append(g.states, next)
	g.changes = append(g.changes, sealed)
	return sealed, nil
}

// authorize enforces the group's access control for every action.
func authorize(cur *group.Record, editor uuid.UUID, change group.Change) error {
	me, _ := cur.FindMember(editor)
	admin := me.Role == group.RoleAdmin

	for _, a := range change.Actions {
		var ok bool
		switch a := a.(type) {
		case group.ModifyTitle, group.ModifyDescription, group.ModifyAvatar, group.ModifyTimer:
			ok = cur.Access.Attributes.Allows(me.Role)
		case group.AddMember:
			ok = cur.Access.Members.Allows(me.Role) && (admin || a.Member.Role != group.RoleAdmin)
		case group.AddPending:
			ok = cur.Access.Members.Allows(me.Role)
		case group.RemoveMember:
			ok = admin || a.ACI == editor
		case group.RemovePending:
			ok = admin
		case group.PromotePending:
			ok = admin || a.ACI == editor
		case group.ModifyProfileKey:
			ok = a.ACI == editor
		case group.ModifyRole, group.ModifyAttributesAccess, group.ModifyMembersAccess:
			ok = admin
		}
		if !ok {
			return fmt.Errorf("%w: %s", transport.ErrForbidden, group.ActionName(a))
		}
	}
	return nil
}

func (s *Server) credentialMaterial(aci uuid.UUID, day int64) []byte {
	mac := hmac.New(sha256.New, s.secret[:])
	mac.Write(aci[:])
	mac.Write(binary.BigEndian.AppendUint64(nil, uint64(day)))
	return mac.Sum(nil)
}

// checkAuth verifies a token presented by aci for the group of sp.
func (s *Server) checkAuth(aci uuid.UUID, sp group.SecretParams, auth transport.AuthToken) error {
	if auth.ACI != aci {
		return fmt.Errorf("%w: token issued to another account", transport.ErrUnauthorized)
	}
	today := credential.Today(s.now())
	if auth.Day < today-1 || auth.Day > today+1 {
		return fmt.Errorf("%w: token for day %d outside window", transport.ErrUnauthorized, auth.Day)
	}
	pub := sp.PublicKey()
	want := credential.Presentation(s.credentialMaterial(aci, auth.Day), aci, auth.Day, pub[:])
	if !hmac.Equal(want, auth.Presentation) {
		return fmt.Errorf("%w: bad presentation", transport.ErrUnauthorized)
	}
	return nil
}

// Client is one user's view of the server. It implements
// transport.Transport.
type Client struct {
	s   *Server
	aci uuid.UUID
}

var _ transport.Transport = (*Client)(nil)

func (c *Client) SubmitChange(ctx context.Context, sp group.SecretParams, sealed []byte, auth transport.AuthToken) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.s.checkAuth(c.aci, sp, auth); err != nil {
		return nil, err
	}
	id := sp.GroupID()

	c.s.mu.Lock()
	hook := c.s.beforeSubmit
	c.s.submits[id]++
	c.s.mu.Unlock()
	if hook != nil {
		hook(id, c.aci)
	}

	change, err := c.s.crypto.DecryptChange(sp, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	g, ok := c.s.groups[id]
	if !ok {
		return nil, transport.ErrNotFound
	}
	return c.s.appendLocked(g, c.aci, change)
}

func (c *Client) FetchChangeHistory(ctx context.Context, sp group.SecretParams, from uint32, auth transport.AuthToken) (*transport.HistoryPage, error) {
	g, err := c.member(ctx, sp, auth)
	if err != nil {
		return nil, err
	}
	defer c.s.mu.Unlock()

	start := max(from+1, g.joinedAt[c.aci])
	latest := g.current().Revision
	page := &transport.HistoryPage{}
	for rev := start; rev <= latest; rev++ {
		if len(page.Changes) == c.s.pageSize {
			page.HasMore = true
			page.NextRevision = rev
			break
		}
		page.Changes = append(page.Changes, transport.EncryptedChange{
			Revision: rev,
			Data:     g.changes[rev-1],
		})
	}
	return page, nil
}

func (c *Client) FetchGroupState(ctx context.Context, sp group.SecretParams, revision uint32, auth transport.AuthToken) ([]byte, error) {
	g, err := c.member(ctx, sp, auth)
	if err != nil {
		return nil, err
	}
	defer c.s.mu.Unlock()

	latest := g.current().Revision
	if revision == transport.Latest {
		revision = latest
	}
	if revision == 0 || revision > latest {
		return nil, fmt.Errorf("%w: revision %d", transport.ErrNotFound, revision)
	}
	if revision < g.joinedAt[c.aci] {
		return nil, fmt.Errorf("%w: revision %d predates joining", transport.ErrForbidden, revision)
	}
	return c.s.crypto.EncryptState(sp, g.states[revision-1])
}

func (c *Client) FetchJoinedAtRevision(ctx context.Context, sp group.SecretParams, auth transport.AuthToken) (uint32, error) {
	g, err := c.member(ctx, sp, auth)
	if err != nil {
		return 0, err
	}
	defer c.s.mu.Unlock()
	return g.joinedAt[c.aci], nil
}

func (c *Client) CreateGroup(ctx context.Context, sp group.SecretParams, sealed []byte, auth transport.AuthToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.s.checkAuth(c.aci, sp, auth); err != nil {
		return err
	}
	genesis, err := c.s.crypto.DecryptChange(sp, sealed)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.createLocked(c.aci, sp, genesis)
}

func (c *Client) FetchGroupStatus(ctx context.Context, sp group.SecretParams, auth transport.AuthToken) (transport.Status, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.s.checkAuth(c.aci, sp, auth); err != nil {
		return 0, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	g, ok := c.s.groups[sp.GroupID()]
	switch {
	case !ok:
		return transport.StatusDoesNotExist, nil
	case g.current().IsMember(c.aci), g.current().IsPending(c.aci):
		return transport.StatusMember, nil
	default:
		return transport.StatusNotAMember, nil
	}
}

func (c *Client) FetchCredentialBatch(ctx context.Context, today int64) ([]transport.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := make([]transport.Credential, 0, c.s.window)
	for day := today; day < today+int64(c.s.window); day++ {
		batch = append(batch, credential.IssueCredential(c.s.credentialMaterial(c.aci, day), day))
	}
	return batch, nil
}

// member authorizes the call and returns the group with the server lock
// held. The caller must unlock.
func (c *Client) member(ctx context.Context, sp group.SecretParams, auth transport.AuthToken) (*serverGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.s.checkAuth(c.aci, sp, auth); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	g, ok := c.s.groups[sp.GroupID()]
	if !ok {
		c.s.mu.Unlock()
		return nil, transport.ErrNotFound
	}
	cur := g.current()
	if !cur.IsMember(c.aci) && !cur.IsPending(c.aci) {
		c.s.mu.Unlock()
		return nil, transport.ErrNotInGroup
	}
	return g, nil
}
