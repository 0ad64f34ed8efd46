package group

import "bytes"

// Resolve rebases a local change that lost a race onto the server state.
// server is the record after serverChanges were applied. Local actions that
// write a field any server change wrote are dropped, as are actions that
// would be no-ops against server or that can no longer be applied. The
// returned change has revision zero; the caller retargets it.
func Resolve(server Record, serverChanges []Change, local Change) Change {
	contested := make(map[string]struct{})
	for _, c := range serverChanges {
		for _, a := range c.Actions {
			for _, f := range touches(a) {
				contested[f] = struct{}{}
			}
		}
	}

	out := Change{Editor: local.Editor}
	work := server.Clone()
	for _, a := range local.Actions {
		if overlaps(a, contested) || isNoop(&work, a) {
			continue
		}
		if err := applyAction(&work, work.Revision, a); err != nil {
			continue
		}
		out.Actions = append(out.Actions, cloneAction(a))
	}
	return out
}

func overlaps(a Action, contested map[string]struct{}) bool {
	for _, f := range touches(a) {
		if _, ok := contested[f]; ok {
			return true
		}
	}
	return false
}

// isNoop reports whether applying a to r would leave r unchanged.
func isNoop(r *Record, a Action) bool {
	switch a := a.(type) {
	case AddMember:
		return r.IsMember(a.Member.ACI)
	case RemoveMember:
		return !r.IsMember(a.ACI)
	case ModifyRole:
		m, ok := r.FindMember(a.ACI)
		return !ok || m.Role == a.Role
	case ModifyProfileKey:
		m, ok := r.FindMember(a.ACI)
		return !ok || bytes.Equal(m.ProfileKey, a.ProfileKey)
	case AddPending:
		return r.IsMember(a.Pending.ACI) || r.IsPending(a.Pending.ACI)
	case RemovePending:
		return !r.IsPending(a.ACI)
	case PromotePending:
		return !r.IsPending(a.ACI)
	case ModifyTitle:
		return r.Title == a.Title
	case ModifyDescription:
		return r.Description == a.Description
	case ModifyAvatar:
		return r.AvatarRef == a.AvatarRef
	case ModifyTimer:
		return r.Timer == a.Seconds
	case ModifyAttributesAccess:
		return r.Access.Attributes == a.Access
	case ModifyMembersAccess:
		return r.Access.Members == a.Access
	default:
		return false
	}
}
