// Package group implements the revisioned group ledger model: identifiers,
// the local group record, typed change actions and the pure functions that
// fold changes into records and rebase them after conflicts.
package group

import (
	"bytes"
	"errors"
	"slices"

	"github.com/google/uuid"
)

// Role indicates a member's privilege level within a group.
type Role int

const (
	RoleUnknown Role = iota
	RoleMember
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// AccessRequired is the minimum role needed to perform a class of changes.
type AccessRequired int

const (
	AccessUnknown AccessRequired = iota
	AccessAny
	AccessMember
	AccessAdministrator
)

func (a AccessRequired) String() string {
	switch a {
	case AccessAny:
		return "any"
	case AccessMember:
		return "member"
	case AccessAdministrator:
		return "administrator"
	default:
		return "unknown"
	}
}

// Allows reports whether a member holding role satisfies the requirement.
func (a AccessRequired) Allows(role Role) bool {
	switch a {
	case AccessAny:
		return true
	case AccessMember:
		return role == RoleMember || role == RoleAdmin
	case AccessAdministrator:
		return role == RoleAdmin
	default:
		return false
	}
}

// AccessControl describes who may change attributes and who may add members.
type AccessControl struct {
	Attributes AccessRequired
	Members    AccessRequired
}

// Member is a full member of a group.
type Member struct {
	ACI              uuid.UUID
	Role             Role
	ProfileKey       []byte
	JoinedAtRevision uint32
}

// PendingMember is an invited member who has not yet accepted.
type PendingMember struct {
	ACI     uuid.UUID
	Role    Role
	AddedBy uuid.UUID
}

// Record is the local durable mirror of a group. Revisioned records carry
// the master key their identifier was derived from; legacy records do not.
type Record struct {
	ID             ID
	MasterKey      *MasterKey
	Revision       uint32
	Title          string
	Description    string
	AvatarRef      string
	Timer          uint32 // disappearing message timer, seconds
	Members        []Member
	Pending        []PendingMember
	Access         AccessControl
	Active         bool
	ProfileSharing bool
	ThreadID       int64
	MigratedFrom   ID
	UpdatedAt      int64 // unix millis of the last persisted apply
}

// Clone returns a deep copy so callers can fold changes without aliasing
// the stored record.
func (r Record) Clone() Record {
	out := r
	if r.MasterKey != nil {
		mk := *r.MasterKey
		out.MasterKey = &mk
	}
	out.Members = make([]Member, len(r.Members))
	for i, m := range r.Members {
		m.ProfileKey = bytes.Clone(m.ProfileKey)
		out.Members[i] = m
	}
	out.Pending = slices.Clone(r.Pending)
	return out
}

// FindMember returns the full member with the given ACI.
func (r *Record) FindMember(aci uuid.UUID) (Member, bool) {
	if i := r.memberIndex(aci); i >= 0 {
		return r.Members[i], true
	}
	return Member{}, false
}

// IsMember reports whether aci is a full member.
func (r *Record) IsMember(aci uuid.UUID) bool {
	return r.memberIndex(aci) >= 0
}

// IsPending reports whether aci holds an outstanding invitation.
func (r *Record) IsPending(aci uuid.UUID) bool {
	return r.pendingIndex(aci) >= 0
}

// MemberACIs lists the ACIs of all full members in record order.
func (r *Record) MemberACIs() []uuid.UUID {
	out := make([]uuid.UUID, len(r.Members))
	for i, m := range r.Members {
		out[i] = m.ACI
	}
	return out
}

func (r *Record) memberIndex(aci uuid.UUID) int {
	return slices.IndexFunc(r.Members, func(m Member) bool { return m.ACI == aci })
}

func (r *Record) pendingIndex(aci uuid.UUID) int {
	return slices.IndexFunc(r.Pending, func(p PendingMember) bool { return p.ACI == aci })
}

var (
	ErrOutOfOrder       = errors.New("change revision is not the next revision")
	ErrNotApplicable    = errors.New("change cannot be applied to group state")
	ErrUnknownAction    = errors.New("unknown change action")
	ErrInvalidRecord    = errors.New("invalid group record")
	ErrInvalidChange    = errors.New("invalid group change")
	ErrInvalidID        = errors.New("invalid group identifier")
	ErrNotLegacy        = errors.New("group identifier is not a legacy identifier")
	ErrDecryptFailed    = errors.New("group payload decryption failed")
	ErrMissingMasterKey = errors.New("group record has no master key")
)
