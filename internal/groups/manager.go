// Package groups keeps the local copy of each group in step with the group
// server. It commits local changes with conflict resolution, folds server
// history into local records revision by revision, and migrates legacy
// groups to revisioned ones.
//
// Every mutation of a stored record happens while holding the process-wide
// processing lock, and every store transaction is opened inside it.
package groups

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-groups/internal/grouplock"
	"github.com/gezibash/arc-groups/internal/observability"
	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
	"github.com/gezibash/arc-groups/pkg/logging"
)

const (
	// DefaultMaxAttempts bounds submit attempts per committed change.
	DefaultMaxAttempts = 5

	// DefaultMaxMembers caps the size of a group eligible for migration.
	DefaultMaxMembers = 1000
)

// Config holds Manager settings.
type Config struct {
	// Self is the local account's ACI.
	Self uuid.UUID

	// MaxAttempts bounds submit attempts per change. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int

	// MaxMembers caps migration. Zero means DefaultMaxMembers.
	MaxMembers int

	// AutoMigrate permits migrations that were not forced by the user.
	AutoMigrate bool
}

// Authorizer produces per-group authorization tokens. *credential.Cache
// implements it.
type Authorizer interface {
	Authorization(ctx context.Context, self uuid.UUID, sp group.SecretParams) (transport.AuthToken, error)
	Clear(ctx context.Context) error
}

// Crypto seals and opens payloads exchanged with the server.
// group.Operations implements it.
type Crypto interface {
	EncryptChange(sp group.SecretParams, c group.Change) ([]byte, error)
	DecryptChange(sp group.SecretParams, sealed []byte) (group.Change, error)
	EncryptState(sp group.SecretParams, r group.Record) ([]byte, error)
	DecryptState(sp group.SecretParams, sealed []byte) (group.Record, error)
}

// Capabilities describes what a member's clients support.
type Capabilities struct {
	Registered       bool
	RevisionedGroups bool
	Migration        bool
}

// Migratable reports whether the member can be carried into a migrated
// group.
func (c Capabilities) Migratable() bool {
	return c.RevisionedGroups && c.Migration
}

// CapabilityResolver looks up a member's capabilities. An error means the
// member could not be resolved.
type CapabilityResolver interface {
	Capabilities(ctx context.Context, aci uuid.UUID) (Capabilities, error)
}

// AllCapable resolves every member as registered and fully capable.
type AllCapable struct{}

func (AllCapable) Capabilities(context.Context, uuid.UUID) (Capabilities, error) {
	return Capabilities{Registered: true, RevisionedGroups: true, Migration: true}, nil
}

// Announcer hands announcements to the message send pipeline.
type Announcer interface {
	Announce(ctx context.Context, a Announcement) error
}

// AnnouncementKind says what an announcement tells other members.
type AnnouncementKind int

const (
	// AnnounceChange carries a committed change.
	AnnounceChange AnnouncementKind = iota
	// AnnounceLeave tells the members of a legacy group we left.
	AnnounceLeave
	// AnnounceMigration tells members a legacy group was migrated.
	AnnounceMigration
)

func (k AnnouncementKind) String() string {
	switch k {
	case AnnounceChange:
		return "change"
	case AnnounceLeave:
		return "leave"
	case AnnounceMigration:
		return "migration"
	default:
		return "unknown"
	}
}

// Announcement is the payload other members need to learn about a change.
// Old and Change are nil when not applicable.
type Announcement struct {
	Kind    AnnouncementKind
	GroupID group.ID
	Old     *group.Record
	Change  *group.Change
	New     *group.Record
	Signed  []byte // server-signed sealed change, if any
}

// Manager coordinates the group ledger.
type Manager struct {
	cfg       Config
	store     store.Store
	transport transport.Transport
	auth      Authorizer
	lock      *grouplock.Lock
	crypto    Crypto
	caps      CapabilityResolver
	announcer Announcer
	metrics   *observability.Metrics
	log       *logging.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLock shares a processing lock. Managers in one process must share it.
func WithLock(l *grouplock.Lock) Option {
	return func(m *Manager) { m.lock = l }
}

// WithCrypto overrides payload sealing.
func WithCrypto(c Crypto) Option {
	return func(m *Manager) { m.crypto = c }
}

// WithCapabilities sets the member capability resolver.
func WithCapabilities(r CapabilityResolver) Option {
	return func(m *Manager) { m.caps = r }
}

// WithAnnouncer sets the announcement sink.
func WithAnnouncer(a Announcer) Option {
	return func(m *Manager) { m.announcer = a }
}

// WithMetrics records operation metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log.WithComponent("groups")
		}
	}
}

// WithClock overrides the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager.
func New(cfg Config, s store.Store, t transport.Transport, auth Authorizer, opts ...Option) (*Manager, error) {
	if cfg.Self == uuid.Nil {
		return nil, errors.New("groups: self ACI is required")
	}
	if s == nil || t == nil || auth == nil {
		return nil, errors.New("groups: store, transport and authorizer are required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = DefaultMaxMembers
	}

	m := &Manager{
		cfg:       cfg,
		store:     s,
		transport: t,
		auth:      auth,
		crypto:    group.Operations{},
		caps:      AllCapable{},
		log:       logging.New(nil).WithComponent("groups"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.lock == nil {
		m.lock = grouplock.New(grouplock.WithMetrics(m.metrics), grouplock.WithLogger(m.log))
	}
	m.log = m.log.WithACI("self", cfg.Self)
	return m, nil
}

// Self returns the local account's ACI.
func (m *Manager) Self() uuid.UUID { return m.cfg.Self }

// Lock returns the processing lock.
func (m *Manager) Lock() *grouplock.Lock { return m.lock }

// Group returns the stored record for id.
func (m *Manager) Group(ctx context.Context, id group.ID) (*group.Record, error) {
	r, err := store.LoadGroup(ctx, m.store, id)
	if err != nil {
		return nil, classify("group", err)
	}
	return r, nil
}

// Groups returns all stored records.
func (m *Manager) Groups(ctx context.Context) ([]*group.Record, error) {
	var out []*group.Record
	err := m.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListGroups(ctx)
		return err
	})
	if err != nil {
		return nil, classify("groups", err)
	}
	return out, nil
}

func (m *Manager) acquire(ctx context.Context, op, holder string) (context.Context, *grouplock.Permit, error) {
	ctx, p, err := m.lock.Acquire(ctx, holder)
	if err != nil {
		return ctx, nil, classify(op, err)
	}
	return ctx, p, nil
}

func (m *Manager) authorize(ctx context.Context, op string, sp group.SecretParams) (transport.AuthToken, error) {
	tok, err := m.auth.Authorization(ctx, m.cfg.Self, sp)
	if err != nil {
		return transport.AuthToken{}, newError(KindIO, op, "authorization unavailable", err)
	}
	return tok, nil
}

// remote classifies a transport error. A rejected token drops the cached
// credentials so the next call fetches a fresh batch.
func (m *Manager) remote(ctx context.Context, op string, err error) error {
	if errors.Is(err, transport.ErrUnauthorized) {
		if cerr := m.auth.Clear(ctx); cerr != nil {
			m.log.WarnContext(ctx, "failed to clear credentials", "error", cerr)
		}
		return newError(KindIO, op, "authorization rejected", err)
	}
	return classify(op, err)
}

func (m *Manager) save(ctx context.Context, op string, r *group.Record) error {
	if err := store.SaveGroup(ctx, m.store, r); err != nil {
		return newError(KindIO, op, "persist group", err)
	}
	return nil
}

func (m *Manager) announce(ctx context.Context, a Announcement) {
	if m.announcer == nil {
		return
	}
	if err := m.announcer.Announce(ctx, a); err != nil {
		m.log.WithGroup(a.GroupID).WarnContext(ctx, "announcement failed", "kind", a.Kind.String(), "error", err)
	}
}

// settle marks the record inactive once self is no longer in it.
func (m *Manager) settle(prev, next *group.Record) {
	if prev.IsMember(m.cfg.Self) && !next.IsMember(m.cfg.Self) && !next.IsPending(m.cfg.Self) {
		next.Active = false
	}
}
