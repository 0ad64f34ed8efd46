package groups

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-groups/internal/grouplock"
	"github.com/gezibash/arc-groups/internal/observability"
	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
)

// Result is the outcome of a committed edit. Announcement is nil when the
// edit turned out to change nothing.
type Result struct {
	Announcement *Announcement
	State        *group.Record
}

// Editor applies changes to one group. It holds the processing permit from
// Edit until Close.
type Editor struct {
	m      *Manager
	id     group.ID
	ctx    context.Context
	permit *grouplock.Permit
}

// Edit acquires the processing permit and returns an editor for id. The
// caller must Close it.
func (m *Manager) Edit(ctx context.Context, id group.ID) (*Editor, error) {
	ctx, permit, err := m.acquire(ctx, "edit", "edit "+id.Short())
	if err != nil {
		return nil, err
	}
	return &Editor{m: m, id: id, ctx: ctx, permit: permit}, nil
}

// Context returns the context Edit was called with, carrying the editor's
// permit. Manager calls made with it while the editor is open reuse the
// permit instead of waiting for it.
func (e *Editor) Context() context.Context {
	return e.ctx
}

// Close releases the permit. It is safe to call more than once.
func (e *Editor) Close() {
	e.permit.Release()
}

// UpdateTimer sets the disappearing message timer.
func (e *Editor) UpdateTimer(ctx context.Context, seconds uint32) (*Result, error) {
	return e.commit(ctx, "update_timer", group.ModifyTimer{Seconds: seconds})
}

// UpdateTitle sets the title.
func (e *Editor) UpdateTitle(ctx context.Context, title string) (*Result, error) {
	return e.commit(ctx, "update_title", group.ModifyTitle{Title: title})
}

// UpdateDescription sets the description.
func (e *Editor) UpdateDescription(ctx context.Context, description string) (*Result, error) {
	return e.commit(ctx, "update_description", group.ModifyDescription{Description: description})
}

// UpdateAvatar sets the avatar reference.
func (e *Editor) UpdateAvatar(ctx context.Context, ref string) (*Result, error) {
	return e.commit(ctx, "update_avatar", group.ModifyAvatar{AvatarRef: ref})
}

// AddMembers adds members in one change.
func (e *Editor) AddMembers(ctx context.Context, members ...group.Member) (*Result, error) {
	actions := make([]group.Action, 0, len(members))
	for _, mem := range members {
		actions = append(actions, group.AddMember{Member: mem})
	}
	return e.commit(ctx, "add_members", actions...)
}

// RemoveMember removes a member.
func (e *Editor) RemoveMember(ctx context.Context, aci uuid.UUID) (*Result, error) {
	return e.commit(ctx, "remove_member", group.RemoveMember{ACI: aci})
}

// ChangeRole changes a member's role.
func (e *Editor) ChangeRole(ctx context.Context, aci uuid.UUID, role group.Role) (*Result, error) {
	return e.commit(ctx, "change_role", group.ModifyRole{ACI: aci, Role: role})
}

// UpdateAttributesAccess sets who may change title, avatar and timer.
func (e *Editor) UpdateAttributesAccess(ctx context.Context, access group.AccessRequired) (*Result, error) {
	return e.commit(ctx, "update_attributes_access", group.ModifyAttributesAccess{Access: access})
}

// UpdateMembershipAccess sets who may add members.
func (e *Editor) UpdateMembershipAccess(ctx context.Context, access group.AccessRequired) (*Result, error) {
	return e.commit(ctx, "update_membership_access", group.ModifyMembersAccess{Access: access})
}

// Leave removes self from the group.
func (e *Editor) Leave(ctx context.Context) (*Result, error) {
	return e.commit(ctx, "leave", group.RemoveMember{ACI: e.m.cfg.Self})
}

func (e *Editor) commit(ctx context.Context, name string, actions ...group.Action) (res *Result, err error) {
	op, ctx := observability.StartOperation(ctx, e.m.metrics, "groups.commit",
		attribute.String("group", e.id.Short()),
		attribute.String("action", name))
	defer func() { op.End(err) }()

	if !e.m.lock.Held(e.permit.Bind(ctx)) {
		return nil, errorf(KindChangeFailed, "commit", "editor is closed")
	}
	return e.m.commitLocked(e.permit.Bind(ctx), e.id, group.Change{Actions: actions})
}

// commitLocked requires the processing permit. It submits intent, and on
// each revision conflict synchronizes and rebases it, for at most
// MaxAttempts submissions.
func (m *Manager) commitLocked(ctx context.Context, id group.ID, intent group.Change) (*Result, error) {
	const opName = "commit"
	log := m.log.WithGroup(id)

	cur, err := store.LoadGroup(ctx, m.store, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorf(KindChangeFailed, opName, "group %s is not known locally", id.Short())
	}
	if err != nil {
		return nil, newError(KindIO, opName, "load group", err)
	}
	if !id.IsRevisioned() {
		return nil, newError(KindChangeFailed, opName, "legacy groups cannot be edited", group.ErrInvalidID)
	}
	if !cur.Active || !cur.IsMember(m.cfg.Self) {
		return nil, errorf(KindNotAMember, opName, "not an active member of %s", id.Short())
	}
	sp, err := group.SecretParamsFor(cur)
	if err != nil {
		return nil, newError(KindChangeFailed, opName, "group has no secret params", err)
	}

	if _, err := group.ApplyWithoutRevisionCheck(*cur, intent); err != nil {
		return nil, newError(KindChangeFailed, opName, "change does not apply locally", err)
	}
	change := group.Resolve(*cur, nil, intent)
	change.Editor = m.cfg.Self
	if change.IsEmpty() {
		return &Result{State: cur}, nil
	}

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		change.Revision = cur.Revision + 1

		if _, err := group.Apply(*cur, change); err != nil {
			return nil, newError(KindChangeFailed, opName, "change does not apply locally", err)
		}
		sealed, err := m.crypto.EncryptChange(sp, change)
		if err != nil {
			return nil, newError(KindChangeFailed, opName, "encrypt change", err)
		}
		auth, err := m.authorize(ctx, opName, sp)
		if err != nil {
			return nil, err
		}

		signed, err := m.transport.SubmitChange(ctx, sp, sealed, auth)
		if err == nil {
			if m.metrics != nil {
				m.metrics.CommitAttempts.Observe(float64(attempt))
				m.metrics.PayloadBytes.WithLabelValues("out").Add(float64(len(sealed)))
			}
			return m.finishCommit(ctx, sp, cur, signed)
		}
		if !errors.Is(err, transport.ErrConflict) {
			return nil, m.remote(ctx, opName, err)
		}

		if m.metrics != nil {
			m.metrics.CommitConflicts.Inc()
		}
		log.InfoContext(ctx, "revision conflict", "attempt", attempt, "revision", change.Revision)
		if attempt == m.cfg.MaxAttempts {
			break
		}

		upd, err := m.syncLocked(ctx, sp, cur, LatestRevision, m.now())
		if err != nil {
			switch KindOf(err) {
			case KindNotAMember, KindInsufficientRights, KindBusy:
				return nil, err
			}
			return nil, newError(KindChangeFailed, opName, "synchronize after conflict", err)
		}
		if upd.Status != StatusUpdated {
			return nil, errorf(KindChangeFailed, opName, "server reported a conflict at revision %d but has no newer state", change.Revision)
		}

		cur = upd.State
		change = group.Resolve(*cur, upd.Applied, change)
		change.Editor = m.cfg.Self
		if change.IsEmpty() {
			log.InfoContext(ctx, "change superseded by server", "revision", cur.Revision)
			return &Result{State: cur}, nil
		}
	}

	if m.metrics != nil {
		m.metrics.CommitAttempts.Observe(float64(m.cfg.MaxAttempts))
	}
	return nil, errorf(KindChangeFailed, opName, "unable to apply change after conflicts")
}

// finishCommit folds the server-signed change into cur, persists it and
// announces it.
func (m *Manager) finishCommit(ctx context.Context, sp group.SecretParams, cur *group.Record, signed []byte) (*Result, error) {
	const opName = "commit"

	confirmed, err := m.crypto.DecryptChange(sp, signed)
	if err != nil {
		return nil, newError(KindChangeFailed, opName, "decrypt signed change", err)
	}
	next, err := group.Apply(*cur, confirmed)
	if err != nil {
		return nil, newError(KindChangeFailed, opName, "apply signed change", err)
	}
	next.UpdatedAt = m.now().UnixMilli()
	m.settle(cur, &next)

	if err := m.save(ctx, opName, &next); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RevisionsApplied.WithLabelValues("commit").Inc()
	}

	ann := &Announcement{
		Kind:    AnnounceChange,
		GroupID: next.ID,
		Old:     cur,
		Change:  &confirmed,
		New:     &next,
		Signed:  signed,
	}
	m.announce(ctx, *ann)
	m.log.WithGroup(next.ID).InfoContext(ctx, "change committed", "revision", next.Revision, "actions", len(confirmed.Actions))
	return &Result{Announcement: ann, State: &next}, nil
}
