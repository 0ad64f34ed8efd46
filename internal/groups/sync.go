package groups

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-groups/internal/observability"
	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
)

// LatestRevision asks UpdateToRevision for the newest server revision.
const LatestRevision = transport.Latest

// SyncStatus is the outcome of a successful synchronization.
type SyncStatus int

const (
	// StatusConsistentOrAhead means the local record already was at or past
	// the target, or the server had nothing newer.
	StatusConsistentOrAhead SyncStatus = iota
	// StatusUpdated means at least one revision was folded in.
	StatusUpdated
)

func (s SyncStatus) String() string {
	if s == StatusUpdated {
		return "updated"
	}
	return "consistent_or_ahead"
}

// UpdateResult describes a synchronization.
type UpdateResult struct {
	Status SyncStatus
	State  *group.Record

	// LatestServer is the server's latest state when the sync targeted
	// LatestRevision and folded anything in.
	LatestServer *group.Record

	// Applied lists the changes folded in, ascending.
	Applied []group.Change

	// LastEncrypted is the last sealed change fetched from the server.
	LastEncrypted []byte
}

// UpdateToRevision folds server history into the local record of id until
// it reaches target or LatestRevision.
func (m *Manager) UpdateToRevision(ctx context.Context, id group.ID, target uint32, now time.Time) (res *UpdateResult, err error) {
	op, ctx := observability.StartOperation(ctx, m.metrics, "groups.sync",
		attribute.String("group", id.Short()))
	defer func() { op.End(err) }()

	ctx, permit, err := m.acquire(ctx, "sync", "sync "+id.Short())
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	local, err := store.LoadGroup(ctx, m.store, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorf(KindChangeFailed, "sync", "group %s is not known locally", id.Short())
	}
	if err != nil {
		return nil, newError(KindIO, "sync", "load group", err)
	}
	sp, err := group.SecretParamsFor(local)
	if err != nil {
		return nil, newError(KindChangeFailed, "sync", "group has no secret params", err)
	}
	return m.syncLocked(ctx, sp, local, target, now)
}

// AddGroup starts tracking a group we were added to, given its master key,
// and folds it forward to the latest revision.
func (m *Manager) AddGroup(ctx context.Context, mk group.MasterKey) (res *UpdateResult, err error) {
	sp := group.DeriveSecretParams(mk)
	op, ctx := observability.StartOperation(ctx, m.metrics, "groups.add",
		attribute.String("group", sp.GroupID().Short()))
	defer func() { op.End(err) }()

	ctx, permit, err := m.acquire(ctx, "add", "add "+sp.GroupID().Short())
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	local, err := store.LoadGroup(ctx, m.store, sp.GroupID())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindIO, "add", "load group", err)
	}
	return m.syncLocked(ctx, sp, local, LatestRevision, m.now())
}

// syncLocked requires the processing permit. local may be nil or at
// revision zero when we hold no state for the group yet.
func (m *Manager) syncLocked(ctx context.Context, sp group.SecretParams, local *group.Record, target uint32, now time.Time) (*UpdateResult, error) {
	const opName = "sync"
	log := m.log.WithGroup(sp.GroupID())

	if local != nil && local.Revision > 0 && local.Revision >= target {
		return &UpdateResult{Status: StatusConsistentOrAhead, State: local}, nil
	}

	auth, err := m.authorize(ctx, opName, sp)
	if err != nil {
		return nil, err
	}

	res := &UpdateResult{Status: StatusConsistentOrAhead, State: local}
	cur := local

	if cur == nil || cur.Revision == 0 {
		base, err := m.fetchBase(ctx, sp, auth, cur, now)
		if err != nil {
			return nil, err
		}
		cur = base
		res.State = base
		res.Status = StatusUpdated
		log.InfoContext(ctx, "fetched base state", "revision", base.Revision)
	}

	for cur.Revision < target {
		page, err := m.transport.FetchChangeHistory(ctx, sp, cur.Revision, auth)
		if err != nil {
			if errors.Is(err, transport.ErrNotInGroup) {
				m.leaveLocally(ctx, cur, now)
			}
			return nil, m.remote(ctx, opName, err)
		}

		if first, ok := firstChangeAfter(page, cur.Revision); ok && first > cur.Revision+1 {
			// The server withholds history from before we were added back.
			base, err := m.fetchBase(ctx, sp, auth, cur, now)
			if err != nil {
				return nil, err
			}
			if base.Revision <= cur.Revision {
				return nil, errorf(KindChangeFailed, opName,
					"history skips from revision %d to %d", cur.Revision, first)
			}
			log.InfoContext(ctx, "rejoined, fetched base state", "from", cur.Revision, "revision", base.Revision)
			cur = base
			res.Status = StatusUpdated
			continue
		}

		progressed := false
		for _, ec := range page.Changes {
			if ec.Revision <= cur.Revision {
				continue
			}
			if ec.Revision > target {
				break
			}
			next, change, err := m.applySealed(sp, cur, ec.Data, now)
			if err != nil {
				return nil, err
			}
			if err := m.save(ctx, opName, next); err != nil {
				return nil, err
			}
			if m.metrics != nil {
				m.metrics.RevisionsApplied.WithLabelValues("sync").Inc()
				m.metrics.PayloadBytes.WithLabelValues("in").Add(float64(len(ec.Data)))
			}

			cur = next
			res.Applied = append(res.Applied, change)
			res.LastEncrypted = ec.Data
			progressed = true
		}

		if !page.HasMore || !progressed {
			break
		}
	}

	res.State = cur
	if len(res.Applied) > 0 {
		res.Status = StatusUpdated
	}
	if res.Status == StatusUpdated && target == LatestRevision {
		res.LatestServer = cur
	}
	if len(res.Applied) > 0 {
		log.DebugContext(ctx, "group synchronized", "revision", cur.Revision, "applied", len(res.Applied))
	}
	return res, nil
}

func firstChangeAfter(page *transport.HistoryPage, rev uint32) (uint32, bool) {
	for _, ec := range page.Changes {
		if ec.Revision > rev {
			return ec.Revision, true
		}
	}
	return 0, false
}

// fetchBase loads the state at the revision we joined. Local-only fields
// of prev are carried over.
func (m *Manager) fetchBase(ctx context.Context, sp group.SecretParams, auth transport.AuthToken, prev *group.Record, now time.Time) (*group.Record, error) {
	const opName = "sync"

	joined, err := m.transport.FetchJoinedAtRevision(ctx, sp, auth)
	if err != nil {
		return nil, m.remote(ctx, opName, err)
	}
	sealed, err := m.transport.FetchGroupState(ctx, sp, joined, auth)
	if err != nil {
		return nil, m.remote(ctx, opName, err)
	}
	st, err := m.crypto.DecryptState(sp, sealed)
	if err != nil {
		return nil, newError(KindChangeFailed, opName, "decrypt group state", err)
	}
	if prev != nil {
		st.ThreadID = prev.ThreadID
		st.ProfileSharing = prev.ProfileSharing
		st.MigratedFrom = prev.MigratedFrom
	}
	st.UpdatedAt = now.UnixMilli()

	if err := m.save(ctx, opName, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// applySealed decrypts one server change and folds it into cur.
func (m *Manager) applySealed(sp group.SecretParams, cur *group.Record, sealed []byte, now time.Time) (*group.Record, group.Change, error) {
	change, err := m.crypto.DecryptChange(sp, sealed)
	if err != nil {
		return nil, group.Change{}, newError(KindChangeFailed, "sync", "decrypt change", err)
	}
	next, err := group.Apply(*cur, change)
	if err != nil {
		return nil, group.Change{}, newError(KindChangeFailed, "sync", "apply change", err)
	}
	next.UpdatedAt = now.UnixMilli()
	m.settle(cur, &next)
	return &next, change, nil
}

// leaveLocally records that the server no longer counts us as a member.
// Only a record in which we were an active full member is touched.
func (m *Manager) leaveLocally(ctx context.Context, cur *group.Record, now time.Time) {
	if !cur.Active || !cur.IsMember(m.cfg.Self) {
		return
	}
	next, err := group.ApplyWithoutRevisionCheck(*cur, group.Change{
		Revision: cur.Revision,
		Actions:  []group.Action{group.RemoveMember{ACI: m.cfg.Self}},
	})
	if err != nil {
		m.log.WarnContext(ctx, "local leave failed", "error", err)
		return
	}
	next.Active = false
	next.UpdatedAt = now.UnixMilli()
	if err := m.save(ctx, "sync", &next); err != nil {
		m.log.WarnContext(ctx, "local leave failed", "error", err)
		return
	}
	m.log.WithGroup(cur.ID).InfoContext(ctx, "no longer a member, marked inactive")
}
