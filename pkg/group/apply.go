package group

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// Apply folds c into r and returns the new record. r is not modified. The
// change must target exactly the revision after r's.
func Apply(r Record, c Change) (Record, error) {
	if c.Revision != r.Revision+1 {
		return Record{}, fmt.Errorf("%w: record at %d, change at %d", ErrOutOfOrder, r.Revision, c.Revision)
	}
	return ApplyWithoutRevisionCheck(r, c)
}

// ApplyWithoutRevisionCheck folds c into r and sets the record revision to
// the change revision, whatever it was before. It is used for genesis
// changes and squashed history.
func ApplyWithoutRevisionCheck(r Record, c Change) (Record, error) {
	out := r.Clone()
	for i, a := range c.Actions {
		if err := applyAction(&out, c.Revision, a); err != nil {
			return Record{}, fmt.Errorf("action %d (%s): %w", i, ActionName(a), err)
		}
	}
	out.Revision = c.Revision
	return out, nil
}

func applyAction(r *Record, revision uint32, a Action) error {
	switch a := a.(type) {
	case AddMember:
		if a.Member.Role != RoleMember && a.Member.Role != RoleAdmin {
			return fmt.Errorf("%w: role %s", ErrInvalidChange, a.Member.Role)
		}
		m := a.Member
		m.ProfileKey = bytes.Clone(m.ProfileKey)
		if m.JoinedAtRevision == 0 {
			m.JoinedAtRevision = revision
		}
		if i := r.memberIndex(m.ACI); i >= 0 {
			r.Members[i] = m
		} else {
			r.Members = append(r.Members, m)
		}
		r.removePending(m.ACI)

	case RemoveMember:
		// Removing someone already gone is not an error.
		if i := r.memberIndex(a.ACI); i >= 0 {
			r.Members = append(r.Members[:i], r.Members[i+1:]...)
		}

	case ModifyRole:
		if a.Role != RoleMember && a.Role != RoleAdmin {
			return fmt.Errorf("%w: role %s", ErrInvalidChange, a.Role)
		}
		i := r.memberIndex(a.ACI)
		if i < 0 {
			return fmt.Errorf("%w: modify role of non-member %s", ErrNotApplicable, a.ACI)
		}
		r.Members[i].Role = a.Role

	case ModifyProfileKey:
		i := r.memberIndex(a.ACI)
		if i < 0 {
			return fmt.Errorf("%w: modify profile key of non-member %s", ErrNotApplicable, a.ACI)
		}
		r.Members[i].ProfileKey = bytes.Clone(a.ProfileKey)

	case AddPending:
		if r.IsMember(a.Pending.ACI) {
			return fmt.Errorf("%w: %s is already a member", ErrNotApplicable, a.Pending.ACI)
		}
		if i := r.pendingIndex(a.Pending.ACI); i >= 0 {
			r.Pending[i] = a.Pending
		} else {
			r.Pending = append(r.Pending, a.Pending)
		}

	case RemovePending:
		r.removePending(a.ACI)

	case PromotePending:
		i := r.pendingIndex(a.ACI)
		if i < 0 {
			return fmt.Errorf("%w: promote of non-pending %s", ErrNotApplicable, a.ACI)
		}
		p := r.Pending[i]
		r.Pending = append(r.Pending[:i], r.Pending[i+1:]...)
		m := Member{ACI: p.ACI, Role: p.Role, ProfileKey: bytes.Clone(a.ProfileKey), JoinedAtRevision: revision}
		if m.Role == RoleUnknown {
			m.Role = RoleMember
		}
		if j := r.memberIndex(m.ACI); j >= 0 {
			r.Members[j] = m
		} else {
			r.Members = append(r.Members, m)
		}

	case ModifyTitle:
		r.Title = a.Title
	case ModifyDescription:
		r.Description = a.Description
	case ModifyAvatar:
		r.AvatarRef = a.AvatarRef
	case ModifyTimer:
		r.Timer = a.Seconds

	case ModifyAttributesAccess:
		if a.Access == AccessUnknown {
			return fmt.Errorf("%w: attributes access unset", ErrInvalidChange)
		}
		r.Access.Attributes = a.Access
	case ModifyMembersAccess:
		if a.Access == AccessUnknown {
			return fmt.Errorf("%w: members access unset", ErrInvalidChange)
		}
		r.Access.Members = a.Access

	default:
		return fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}
	return nil
}

func (r *Record) removePending(aci uuid.UUID) {
	if i := r.pendingIndex(aci); i >= 0 {
		r.Pending = append(r.Pending[:i], r.Pending[i+1:]...)
	}
}
