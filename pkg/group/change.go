package group

import (
	"bytes"

	"github.com/google/uuid"
)

// Change is one revision step of a group: a set of actions authored by a
// single editor.
type Change struct {
	Revision uint32
	Editor   uuid.UUID
	Actions  []Action
}

// IsEmpty reports whether the change carries no actions.
func (c Change) IsEmpty() bool { return len(c.Actions) == 0 }

// Clone returns a copy whose action slice can be modified independently.
func (c Change) Clone() Change {
	out := c
	out.Actions = make([]Action, len(c.Actions))
	for i, a := range c.Actions {
		out.Actions[i] = cloneAction(a)
	}
	return out
}

// Action is one element of a change. The set of implementations is closed.
type Action interface {
	isAction()
}

// AddMember adds a full member, replacing any existing entry for the ACI.
type AddMember struct{ Member Member }

// RemoveMember removes a full member.
type RemoveMember struct{ ACI uuid.UUID }

// ModifyRole changes the role of a full member.
type ModifyRole struct {
	ACI  uuid.UUID
	Role Role
}

// ModifyProfileKey replaces the profile key of a full member.
type ModifyProfileKey struct {
	ACI        uuid.UUID
	ProfileKey []byte
}

// AddPending invites a member.
type AddPending struct{ Pending PendingMember }

// RemovePending revokes an invitation.
type RemovePending struct{ ACI uuid.UUID }

// PromotePending turns an invitation into full membership.
type PromotePending struct {
	ACI        uuid.UUID
	ProfileKey []byte
}

type ModifyTitle struct{ Title string }

type ModifyDescription struct{ Description string }

type ModifyAvatar struct{ AvatarRef string }

// ModifyTimer sets the disappearing message timer; zero disables it.
type ModifyTimer struct{ Seconds uint32 }

type ModifyAttributesAccess struct{ Access AccessRequired }

type ModifyMembersAccess struct{ Access AccessRequired }

func (AddMember) isAction()              {}
func (RemoveMember) isAction()           {}
func (ModifyRole) isAction()             {}
func (ModifyProfileKey) isAction()       {}
func (AddPending) isAction()             {}
func (RemovePending) isAction()          {}
func (PromotePending) isAction()         {}
func (ModifyTitle) isAction()            {}
func (ModifyDescription) isAction()      {}
func (ModifyAvatar) isAction()           {}
func (ModifyTimer) isAction()            {}
func (ModifyAttributesAccess) isAction() {}
func (ModifyMembersAccess) isAction()    {}

func cloneAction(a Action) Action {
	switch a := a.(type) {
	case AddMember:
		a.Member.ProfileKey = bytes.Clone(a.Member.ProfileKey)
		return a
	case ModifyProfileKey:
		a.ProfileKey = bytes.Clone(a.ProfileKey)
		return a
	case PromotePending:
		a.ProfileKey = bytes.Clone(a.ProfileKey)
		return a
	default:
		return a
	}
}

// touches lists the record fields an action writes. Two actions conflict
// when their touch sets intersect.
func touches(a Action) []string {
	switch a := a.(type) {
	case AddMember:
		return []string{"member/" + a.Member.ACI.String()}
	case RemoveMember:
		return []string{"member/" + a.ACI.String()}
	case ModifyRole:
		return []string{"role/" + a.ACI.String()}
	case ModifyProfileKey:
		return []string{"profile-key/" + a.ACI.String()}
	case AddPending:
		return []string{"pending/" + a.Pending.ACI.String()}
	case RemovePending:
		return []string{"pending/" + a.ACI.String()}
	case PromotePending:
		return []string{"pending/" + a.ACI.String(), "member/" + a.ACI.String()}
	case ModifyTitle:
		return []string{"title"}
	case ModifyDescription:
		return []string{"description"}
	case ModifyAvatar:
		return []string{"avatar"}
	case ModifyTimer:
		return []string{"timer"}
	case ModifyAttributesAccess:
		return []string{"access/attributes"}
	case ModifyMembersAccess:
		return []string{"access/members"}
	default:
		return nil
	}
}

// ActionName returns a stable name for an action, used in logs and metrics.
func ActionName(a Action) string {
	switch a.(type) {
	case AddMember:
		return "add_member"
	case RemoveMember:
		return "remove_member"
	case ModifyRole:
		return "modify_role"
	case ModifyProfileKey:
		return "modify_profile_key"
	case AddPending:
		return "add_pending"
	case RemovePending:
		return "remove_pending"
	case PromotePending:
		return "promote_pending"
	case ModifyTitle:
		return "modify_title"
	case ModifyDescription:
		return "modify_description"
	case ModifyAvatar:
		return "modify_avatar"
	case ModifyTimer:
		return "modify_timer"
	case ModifyAttributesAccess:
		return "modify_attributes_access"
	case ModifyMembersAccess:
		return "modify_members_access"
	default:
		return "unknown"
	}
}
