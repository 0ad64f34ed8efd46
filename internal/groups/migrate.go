package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-groups/internal/observability"
	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
	"github.com/gezibash/arc-groups/pkg/logging"
)

// MigrationState is a step of a legacy group migration.
type MigrationState int

const (
	MigrationDoesNotExistRemote MigrationState = iota
	MigrationCreating
	MigrationAlreadyExists
	MigrationLocalMigrated
	MigrationSynced
	MigrationLeftBehind
	// MigrationAlreadyMigrated means a revisioned record for the group was
	// already stored; nothing was done.
	MigrationAlreadyMigrated
)

func (s MigrationState) String() string {
	switch s {
	case MigrationDoesNotExistRemote:
		return "does_not_exist_remote"
	case MigrationCreating:
		return "creating"
	case MigrationAlreadyExists:
		return "already_exists"
	case MigrationLocalMigrated:
		return "local_migrated"
	case MigrationSynced:
		return "synced"
	case MigrationLeftBehind:
		return "left_behind"
	case MigrationAlreadyMigrated:
		return "already_migrated"
	default:
		return "unknown"
	}
}

// MigrationOutcome reports how a migration ended.
type MigrationOutcome struct {
	State    MigrationState
	Trail    []MigrationState
	LegacyID group.ID
	GroupID  group.ID
	Record   *group.Record
	Created  bool
	Excluded []uuid.UUID // members not carried into a forced migration
}

func (o *MigrationOutcome) enter(s MigrationState) {
	o.State = s
	o.Trail = append(o.Trail, s)
}

// Migrate moves a legacy group to its revisioned identifier. forced marks a
// migration the user explicitly asked for.
func (m *Manager) Migrate(ctx context.Context, legacy group.ID, forced bool) (out *MigrationOutcome, err error) {
	op, ctx := observability.StartOperation(ctx, m.metrics, "groups.migrate",
		attribute.String("group", legacy.Short()),
		attribute.Bool("forced", forced))
	defer func() {
		m.recordMigration(out, err)
		op.End(err)
	}()

	ctx, permit, err := m.acquire(ctx, "migrate", "migrate "+legacy.Short())
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	out, sp, err := m.startMigration(ctx, legacy)
	if err != nil || out.State == MigrationAlreadyMigrated {
		return out, err
	}
	newID := out.GroupID
	log := m.log.WithGroup(legacy).With(slog.String("target", newID.String()))

	rec, err := m.loadLegacy(ctx, legacy)
	if err != nil {
		return nil, err
	}
	if len(rec.Members) > m.cfg.MaxMembers {
		return nil, errorf(KindInvalidMigrationState, "migrate", "group has %d members, limit is %d", len(rec.Members), m.cfg.MaxMembers)
	}
	if !rec.Active {
		return nil, errorf(KindInvalidMigrationState, "migrate", "group %s is not active", legacy.Short())
	}

	auth, err := m.authorize(ctx, "migrate", sp)
	if err != nil {
		return nil, err
	}
	status, err := m.transport.FetchGroupStatus(ctx, sp, auth)
	if err != nil {
		return nil, m.remote(ctx, "migrate", err)
	}

	switch status {
	case transport.StatusNotAMember:
		if _, err := m.leaveBehindLocked(ctx, rec); err != nil {
			return nil, err
		}
		out.enter(MigrationLeftBehind)
		log.InfoContext(ctx, "left behind by migration")
		return out, nil

	case transport.StatusMember:
		out.enter(MigrationAlreadyExists)

	case transport.StatusDoesNotExist:
		out.enter(MigrationDoesNotExistRemote)
		if err := m.createRemote(ctx, rec, sp, auth, forced, out); err != nil {
			return nil, err
		}

	default:
		return nil, errorf(KindIO, "migrate", "unexpected group status %v", status)
	}

	if err := m.migrateLocallyLocked(ctx, rec, sp, out); err != nil {
		return nil, err
	}

	if out.Created && out.Record != nil {
		m.announce(ctx, Announcement{Kind: AnnounceMigration, GroupID: newID, New: out.Record})
	}
	log.InfoContext(ctx, "group migrated", "state", out.State.String(), "created", out.Created)
	return out, nil
}

// MigrateLocally adopts the already migrated revisioned group for a
// legacy group, for when a revisioned message arrives for it.
func (m *Manager) MigrateLocally(ctx context.Context, legacy group.ID) (out *MigrationOutcome, err error) {
	op, ctx := observability.StartOperation(ctx, m.metrics, "groups.migrate_locally",
		attribute.String("group", legacy.Short()))
	defer func() { op.End(err) }()

	ctx, permit, err := m.acquire(ctx, "migrate", "migrate-locally "+legacy.Short())
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	out, sp, err := m.startMigration(ctx, legacy)
	if err != nil || out.State == MigrationAlreadyMigrated {
		return out, err
	}
	rec, err := m.loadLegacy(ctx, legacy)
	if err != nil {
		return nil, err
	}
	if err := m.migrateLocallyLocked(ctx, rec, sp, out); err != nil {
		return nil, err
	}
	return out, nil
}

// LeaveBehind performs the cleanup for a legacy group whose migrated
// successor does not include us. It reports whether anything changed.
func (m *Manager) LeaveBehind(ctx context.Context, legacy group.ID) (changed bool, err error) {
	op, ctx := observability.StartOperation(ctx, m.metrics, "groups.leave_behind",
		attribute.String("group", legacy.Short()))
	defer func() { op.End(err) }()

	ctx, permit, err := m.acquire(ctx, "leave_behind", "leave-behind "+legacy.Short())
	if err != nil {
		return false, err
	}
	defer permit.Release()

	rec, err := store.LoadGroup(ctx, m.store, legacy)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, newError(KindIO, "leave_behind", "load group", err)
	}
	return m.leaveBehindLocked(ctx, rec)
}

// startMigration derives the revisioned identity of legacy and reports an
// earlier migration as MigrationAlreadyMigrated.
func (m *Manager) startMigration(ctx context.Context, legacy group.ID) (*MigrationOutcome, group.SecretParams, error) {
	if !legacy.IsLegacy() {
		return nil, group.SecretParams{}, newError(KindInvalidMigrationState, "migrate", legacy.Short(), group.ErrNotLegacy)
	}
	newID, sp, err := group.DeriveRevisionedID(legacy)
	if err != nil {
		return nil, group.SecretParams{}, newError(KindInvalidMigrationState, "migrate", "derive revisioned identifier", err)
	}
	out := &MigrationOutcome{LegacyID: legacy, GroupID: newID}

	existing, err := m.migratedRecord(ctx, newID, legacy)
	if err != nil {
		return nil, group.SecretParams{}, err
	}
	if existing != nil {
		out.enter(MigrationAlreadyMigrated)
		out.Record = existing
		m.log.WithGroup(legacy).InfoContext(ctx, "group already migrated")
	}
	return out, sp, nil
}

func (m *Manager) loadLegacy(ctx context.Context, legacy group.ID) (*group.Record, error) {
	rec, err := store.LoadGroup(ctx, m.store, legacy)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorf(KindInvalidMigrationState, "migrate", "no local thread for %s", legacy.Short())
	}
	if err != nil {
		return nil, newError(KindIO, "migrate", "load group", err)
	}
	if rec.ThreadID == 0 {
		return nil, errorf(KindInvalidMigrationState, "migrate", "no local thread for %s", legacy.Short())
	}
	return rec, nil
}

// migratedRecord returns the stored revisioned record for newID, if any.
func (m *Manager) migratedRecord(ctx context.Context, newID, legacy group.ID) (*group.Record, error) {
	var found *group.Record
	err := m.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.LoadGroup(ctx, newID)
		if err == nil {
			found = r
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		r, err = store.FindByMigratedFrom(ctx, tx, legacy)
		if err == nil {
			found = r
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, newError(KindIO, "migrate", "check existing migration", err)
	}
	return found, nil
}

// createRemote creates the revisioned group from the legacy record.
func (m *Manager) createRemote(ctx context.Context, rec *group.Record, sp group.SecretParams, auth transport.AuthToken, forced bool, out *MigrationOutcome) error {
	const opName = "migrate"

	if !rec.ProfileSharing {
		return errorf(KindInvalidMigrationState, opName, "profile sharing is not enabled for %s", rec.ID.Short())
	}
	if !forced && !m.cfg.AutoMigrate {
		return errorf(KindInvalidMigrationState, opName, "automatic migration is disabled")
	}

	members, excluded, err := m.migratableMembers(ctx, rec, forced)
	if err != nil {
		return err
	}
	out.Excluded = excluded
	out.enter(MigrationCreating)

	genesis := genesisChange(m.cfg.Self, rec, members)
	sealed, err := m.crypto.EncryptChange(sp, genesis)
	if err != nil {
		return newError(KindChangeFailed, opName, "encrypt genesis change", err)
	}

	err = m.transport.CreateGroup(ctx, sp, sealed, auth)
	switch {
	case err == nil:
		out.Created = true
	case errors.Is(err, transport.ErrGroupExists):
		out.enter(MigrationAlreadyExists)
	default:
		if errors.Is(err, transport.ErrUnauthorized) {
			return m.remote(ctx, opName, err)
		}
		return newError(KindIO, opName, "create group", err)
	}
	return nil
}

// migratableMembers filters the legacy membership. Self is always kept.
// Automatic migration fails rather than drop a registered member.
func (m *Manager) migratableMembers(ctx context.Context, rec *group.Record, forced bool) ([]group.Member, []uuid.UUID, error) {
	var (
		keep     []group.Member
		excluded []uuid.UUID
	)
	for _, mem := range rec.Members {
		if mem.ACI == m.cfg.Self {
			keep = append(keep, mem)
			continue
		}

		caps, err := m.caps.Capabilities(ctx, mem.ACI)
		resolved := err == nil
		if resolved && !caps.Registered {
			excluded = append(excluded, mem.ACI)
			continue
		}

		ok := resolved && caps.Migratable()
		if !forced {
			if !ok {
				return nil, nil, errorf(KindInvalidMigrationState, "migrate",
					"member %s cannot be migrated automatically", logging.FormatACI(mem.ACI))
			}
			if len(mem.ProfileKey) == 0 {
				return nil, nil, errorf(KindInvalidMigrationState, "migrate",
					"member %s has no known profile key", logging.FormatACI(mem.ACI))
			}
		}
		if !ok {
			excluded = append(excluded, mem.ACI)
			continue
		}
		keep = append(keep, mem)
	}

	if !rec.IsMember(m.cfg.Self) {
		keep = append(keep, group.Member{ACI: m.cfg.Self})
	}
	return keep, excluded, nil
}

// genesisChange describes revision 1 of a migrated group. Every carried
// member becomes an administrator.
func genesisChange(self uuid.UUID, rec *group.Record, members []group.Member) group.Change {
	c := group.Change{Revision: 1, Editor: self}
	for _, mem := range members {
		c.Actions = append(c.Actions, group.AddMember{Member: group.Member{
			ACI:              mem.ACI,
			Role:             group.RoleAdmin,
			ProfileKey:       mem.ProfileKey,
			JoinedAtRevision: 1,
		}})
	}
	if rec.Title != "" {
		c.Actions = append(c.Actions, group.ModifyTitle{Title: rec.Title})
	}
	if rec.AvatarRef != "" {
		c.Actions = append(c.Actions, group.ModifyAvatar{AvatarRef: rec.AvatarRef})
	}
	if rec.Timer != 0 {
		c.Actions = append(c.Actions, group.ModifyTimer{Seconds: rec.Timer})
	}
	c.Actions = append(c.Actions,
		group.ModifyAttributesAccess{Access: group.AccessMember},
		group.ModifyMembersAccess{Access: group.AccessMember},
	)
	return c
}

// migrateLocallyLocked requires the processing permit. It replaces the
// legacy record with the revisioned state we joined at, then synchronizes.
func (m *Manager) migrateLocallyLocked(ctx context.Context, legacy *group.Record, sp group.SecretParams, out *MigrationOutcome) error {
	const opName = "migrate"
	newID := sp.GroupID()

	existing, err := m.migratedRecord(ctx, newID, legacy.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		out.enter(MigrationAlreadyMigrated)
		out.Record = existing
		return nil
	}

	auth, err := m.authorize(ctx, opName, sp)
	if err != nil {
		return err
	}

	joined, err := m.transport.FetchJoinedAtRevision(ctx, sp, auth)
	if errors.Is(err, transport.ErrNotInGroup) {
		if _, err := m.leaveBehindLocked(ctx, legacy); err != nil {
			return err
		}
		out.enter(MigrationLeftBehind)
		return nil
	}
	if err != nil {
		return m.remote(ctx, opName, err)
	}

	sealed, err := m.transport.FetchGroupState(ctx, sp, joined, auth)
	if err != nil {
		return m.remote(ctx, opName, err)
	}
	st, err := m.crypto.DecryptState(sp, sealed)
	if err != nil {
		return newError(KindChangeFailed, opName, "decrypt group state", err)
	}
	now := m.now()
	st.ThreadID = legacy.ThreadID
	st.ProfileSharing = legacy.ProfileSharing
	st.MigratedFrom = legacy.ID
	st.UpdatedAt = now.UnixMilli()

	err = m.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.SaveGroup(ctx, &st); err != nil {
			return err
		}
		return tx.DeleteGroup(ctx, legacy.ID)
	})
	if err != nil {
		return newError(KindIO, opName, "replace legacy record", err)
	}
	out.enter(MigrationLocalMigrated)
	out.Record = &st

	upd, err := m.syncLocked(ctx, sp, &st, LatestRevision, now)
	if err != nil {
		return fmt.Errorf("synchronize migrated group: %w", err)
	}
	out.enter(MigrationSynced)
	out.Record = upd.State
	return nil
}

// leaveBehindLocked marks a legacy group inactive without our membership
// and announces the departure once that is stored. Running it again
// changes nothing.
func (m *Manager) leaveBehindLocked(ctx context.Context, rec *group.Record) (bool, error) {
	self := m.cfg.Self
	if !rec.Active && !rec.IsMember(self) {
		return false, nil
	}

	next, err := group.ApplyWithoutRevisionCheck(*rec, group.Change{
		Revision: rec.Revision,
		Actions:  []group.Action{group.RemoveMember{ACI: self}},
	})
	if err != nil {
		return false, newError(KindChangeFailed, "leave_behind", "remove self", err)
	}
	next.Active = false
	next.UpdatedAt = m.now().UnixMilli()

	if err := m.save(ctx, "leave_behind", &next); err != nil {
		return false, err
	}
	m.announce(ctx, Announcement{Kind: AnnounceLeave, GroupID: rec.ID, Old: rec, New: &next})
	m.log.WithGroup(rec.ID).InfoContext(ctx, "left legacy group")
	return true, nil
}

func (m *Manager) recordMigration(out *MigrationOutcome, err error) {
	if m.metrics == nil {
		return
	}
	var outcome string
	switch {
	case err != nil:
		outcome = KindOf(err).String()
	case out != nil:
		outcome = out.State.String()
	default:
		return
	}
	m.metrics.Migrations.WithLabelValues(outcome).Inc()
}
