package group

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Changes and records use protobuf wire format without generated code.
// Members and pending members are sorted by ACI so that equal records
// encode to equal bytes.

const (
	changeRevision protowire.Number = 1
	changeEditor   protowire.Number = 2
	changeAction   protowire.Number = 3
)

// Action field numbers double as the oneof discriminator.
const (
	actAddMember protowire.Number = iota + 1
	actRemoveMember
	actModifyRole
	actModifyProfileKey
	actAddPending
	actRemovePending
	actPromotePending
	actModifyTitle
	actModifyDescription
	actModifyAvatar
	actModifyTimer
	actModifyAttributesAccess
	actModifyMembersAccess
)

const (
	memberACI        protowire.Number = 1
	memberRole       protowire.Number = 2
	memberProfileKey protowire.Number = 3
	memberJoinedAt   protowire.Number = 4

	pendingACI     protowire.Number = 1
	pendingRole    protowire.Number = 2
	pendingAddedBy protowire.Number = 3

	// Field numbers shared by the single-field action bodies.
	bodyACI   protowire.Number = 1
	bodyValue protowire.Number = 2
)

const (
	recIDKind         protowire.Number = 1
	recID             protowire.Number = 2
	recMasterKey      protowire.Number = 3
	recRevision       protowire.Number = 4
	recTitle          protowire.Number = 5
	recDescription    protowire.Number = 6
	recAvatar         protowire.Number = 7
	recTimer          protowire.Number = 8
	recMember         protowire.Number = 9
	recPending        protowire.Number = 10
	recAttrAccess     protowire.Number = 11
	recMembersAccess  protowire.Number = 12
	recActive         protowire.Number = 13
	recProfileSharing protowire.Number = 14
	recThreadID       protowire.Number = 15
	recMigratedKind   protowire.Number = 16
	recMigratedFrom   protowire.Number = 17
	recUpdatedAt      protowire.Number = 18
)

// MarshalChange encodes a change.
func MarshalChange(c Change) ([]byte, error) {
	var b []byte
	b = appendVarint(b, changeRevision, uint64(c.Revision))
	b = appendBytes(b, changeEditor, c.Editor[:])
	for _, a := range c.Actions {
		body, num, err := marshalAction(a)
		if err != nil {
			return nil, err
		}
		var wrapped []byte
		wrapped = protowire.AppendTag(wrapped, num, protowire.BytesType)
		wrapped = protowire.AppendBytes(wrapped, body)
		b = appendBytes(b, changeAction, wrapped)
	}
	return b, nil
}

// UnmarshalChange decodes a change produced by MarshalChange.
func UnmarshalChange(data []byte) (Change, error) {
	var c Change
	err := walk(data, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case changeRevision:
			c.Revision = uint32(v)
		case changeEditor:
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return err
			}
			c.Editor = id
		case changeAction:
			a, err := unmarshalAction(raw)
			if err != nil {
				return err
			}
			c.Actions = append(c.Actions, a)
		}
		return nil
	})
	if err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	return c, nil
}

func marshalAction(a Action) ([]byte, protowire.Number, error) {
	var b []byte
	switch a := a.(type) {
	case AddMember:
		return marshalMember(a.Member), actAddMember, nil
	case RemoveMember:
		return appendBytes(b, bodyACI, a.ACI[:]), actRemoveMember, nil
	case ModifyRole:
		b = appendBytes(b, bodyACI, a.ACI[:])
		return appendVarint(b, bodyValue, uint64(a.Role)), actModifyRole, nil
	case ModifyProfileKey:
		b = appendBytes(b, bodyACI, a.ACI[:])
		return appendBytes(b, bodyValue, a.ProfileKey), actModifyProfileKey, nil
	case AddPending:
		return marshalPending(a.Pending), actAddPending, nil
	case RemovePending:
		return appendBytes(b, bodyACI, a.ACI[:]), actRemovePending, nil
	case PromotePending:
		b = appendBytes(b, bodyACI, a.ACI[:])
		return appendBytes(b, bodyValue, a.ProfileKey), actPromotePending, nil
	case ModifyTitle:
		return appendBytes(b, bodyValue, []byte(a.Title)), actModifyTitle, nil
	case ModifyDescription:
		return appendBytes(b, bodyValue, []byte(a.Description)), actModifyDescription, nil
	case ModifyAvatar:
		return appendBytes(b, bodyValue, []byte(a.AvatarRef)), actModifyAvatar, nil
	case ModifyTimer:
		return appendVarint(b, bodyValue, uint64(a.Seconds)), actModifyTimer, nil
	case ModifyAttributesAccess:
		return appendVarint(b, bodyValue, uint64(a.Access)), actModifyAttributesAccess, nil
	case ModifyMembersAccess:
		return appendVarint(b, bodyValue, uint64(a.Access)), actModifyMembersAccess, nil
	default:
		return nil, 0, fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}
}

func unmarshalAction(data []byte) (Action, error) {
	var (
		kind protowire.Number
		body []byte
	)
	err := walk(data, func(num protowire.Number, _ uint64, raw []byte) error {
		if kind != 0 {
			return fmt.Errorf("action has more than one variant")
		}
		kind, body = num, raw
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch kind {
	case actAddMember:
		m, err := unmarshalMember(body)
		return AddMember{Member: m}, err
	case actAddPending:
		p, err := unmarshalPending(body)
		return AddPending{Pending: p}, err
	}

	var (
		aci   uuid.UUID
		value uint64
		raw   []byte
	)
	err = walk(body, func(num protowire.Number, v uint64, r []byte) error {
		switch num {
		case bodyACI:
			id, err := uuid.FromBytes(r)
			if err != nil {
				return err
			}
			aci = id
		case bodyValue:
			value, raw = v, cloneNonEmpty(r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch kind {
	case actRemoveMember:
		return RemoveMember{ACI: aci}, nil
	case actModifyRole:
		return ModifyRole{ACI: aci, Role: Role(value)}, nil
	case actModifyProfileKey:
		return ModifyProfileKey{ACI: aci, ProfileKey: raw}, nil
	case actRemovePending:
		return RemovePending{ACI: aci}, nil
	case actPromotePending:
		return PromotePending{ACI: aci, ProfileKey: raw}, nil
	case actModifyTitle:
		return ModifyTitle{Title: string(raw)}, nil
	case actModifyDescription:
		return ModifyDescription{Description: string(raw)}, nil
	case actModifyAvatar:
		return ModifyAvatar{AvatarRef: string(raw)}, nil
	case actModifyTimer:
		return ModifyTimer{Seconds: uint32(value)}, nil
	case actModifyAttributesAccess:
		return ModifyAttributesAccess{Access: AccessRequired(value)}, nil
	case actModifyMembersAccess:
		return ModifyMembersAccess{Access: AccessRequired(value)}, nil
	default:
		return nil, fmt.Errorf("%w: field %d", ErrUnknownAction, kind)
	}
}

func marshalMember(m Member) []byte {
	var b []byte
	b = appendBytes(b, memberACI, m.ACI[:])
	b = appendVarint(b, memberRole, uint64(m.Role))
	b = appendBytes(b, memberProfileKey, m.ProfileKey)
	return appendVarint(b, memberJoinedAt, uint64(m.JoinedAtRevision))
}

func unmarshalMember(data []byte) (Member, error) {
	var m Member
	err := walk(data, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case memberACI:
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return err
			}
			m.ACI = id
		case memberRole:
			m.Role = Role(v)
		case memberProfileKey:
			m.ProfileKey = cloneNonEmpty(raw)
		case memberJoinedAt:
			m.JoinedAtRevision = uint32(v)
		}
		return nil
	})
	return m, err
}

func marshalPending(p PendingMember) []byte {
	var b []byte
	b = appendBytes(b, pendingACI, p.ACI[:])
	b = appendVarint(b, pendingRole, uint64(p.Role))
	return appendBytes(b, pendingAddedBy, p.AddedBy[:])
}

func unmarshalPending(data []byte) (PendingMember, error) {
	var p PendingMember
	err := walk(data, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case pendingACI, pendingAddedBy:
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return err
			}
			if num == pendingACI {
				p.ACI = id
			} else {
				p.AddedBy = id
			}
		case pendingRole:
			p.Role = Role(v)
		}
		return nil
	})
	return p, err
}

// MarshalRecord encodes a record deterministically.
func MarshalRecord(r *Record) ([]byte, error) {
	if r == nil || r.ID.IsZero() {
		return nil, fmt.Errorf("%w: missing identifier", ErrInvalidRecord)
	}

	members := slices.Clone(r.Members)
	slices.SortFunc(members, func(a, b Member) int { return bytes.Compare(a.ACI[:], b.ACI[:]) })
	pending := slices.Clone(r.Pending)
	slices.SortFunc(pending, func(a, b PendingMember) int { return bytes.Compare(a.ACI[:], b.ACI[:]) })

	var b []byte
	b = appendVarint(b, recIDKind, uint64(r.ID.Kind()))
	b = appendBytes(b, recID, r.ID.Bytes())
	if r.MasterKey != nil {
		b = appendBytes(b, recMasterKey, r.MasterKey[:])
	}
	b = appendVarint(b, recRevision, uint64(r.Revision))
	b = appendBytes(b, recTitle, []byte(r.Title))
	b = appendBytes(b, recDescription, []byte(r.Description))
	b = appendBytes(b, recAvatar, []byte(r.AvatarRef))
	b = appendVarint(b, recTimer, uint64(r.Timer))
	for _, m := range members {
		b = appendBytes(b, recMember, marshalMember(m))
	}
	for _, p := range pending {
		b = appendBytes(b, recPending, marshalPending(p))
	}
	b = appendVarint(b, recAttrAccess, uint64(r.Access.Attributes))
	b = appendVarint(b, recMembersAccess, uint64(r.Access.Members))
	b = appendVarint(b, recActive, protowire.EncodeBool(r.Active))
	b = appendVarint(b, recProfileSharing, protowire.EncodeBool(r.ProfileSharing))
	b = appendVarint(b, recThreadID, uint64(r.ThreadID))
	if !r.MigratedFrom.IsZero() {
		b = appendVarint(b, recMigratedKind, uint64(r.MigratedFrom.Kind()))
		b = appendBytes(b, recMigratedFrom, r.MigratedFrom.Bytes())
	}
	b = appendVarint(b, recUpdatedAt, uint64(r.UpdatedAt))
	return b, nil
}

// UnmarshalRecord decodes a record produced by MarshalRecord.
func UnmarshalRecord(data []byte) (*Record, error) {
	var (
		r                      Record
		idKind, migratedKind   Kind
		idBytes, migratedBytes []byte
	)
	err := walk(data, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case recIDKind:
			idKind = Kind(v)
		case recID:
			idBytes = raw
		case recMasterKey:
			if len(raw) != MasterKeySize {
				return fmt.Errorf("master key must be %d bytes", MasterKeySize)
			}
			var mk MasterKey
			copy(mk[:], raw)
			r.MasterKey = &mk
		case recRevision:
			r.Revision = uint32(v)
		case recTitle:
			r.Title = string(raw)
		case recDescription:
			r.Description = string(raw)
		case recAvatar:
			r.AvatarRef = string(raw)
		case recTimer:
			r.Timer = uint32(v)
		case recMember:
			m, err := unmarshalMember(raw)
			if err != nil {
				return err
			}
			r.Members = append(r.Members, m)
		case recPending:
			p, err := unmarshalPending(raw)
			if err != nil {
				return err
			}
			r.Pending = append(r.Pending, p)
		case recAttrAccess:
			r.Access.Attributes = AccessRequired(v)
		case recMembersAccess:
			r.Access.Members = AccessRequired(v)
		case recActive:
			r.Active = protowire.DecodeBool(v)
		case recProfileSharing:
			r.ProfileSharing = protowire.DecodeBool(v)
		case recThreadID:
			r.ThreadID = int64(v)
		case recMigratedKind:
			migratedKind = Kind(v)
		case recMigratedFrom:
			migratedBytes = raw
		case recUpdatedAt:
			r.UpdatedAt = int64(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	if r.ID, err = idFromParts(idKind, idBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if migratedKind != KindNone {
		if r.MigratedFrom, err = idFromParts(migratedKind, migratedBytes); err != nil {
			return nil, fmt.Errorf("%w: migrated from: %v", ErrInvalidRecord, err)
		}
	}
	return &r, nil
}

func idFromParts(kind Kind, raw []byte) (ID, error) {
	switch kind {
	case KindLegacy:
		return NewLegacyID(raw)
	case KindRevisioned:
		return NewRevisionedID(raw)
	default:
		return ID{}, fmt.Errorf("%w: kind %d", ErrInvalidID, kind)
	}
}

func cloneNonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return bytes.Clone(b)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// walk visits every varint and length-delimited field in data. Fields of
// other wire types are skipped.
func walk(data []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, v, nil); err != nil {
				return err
			}
			data = data[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, 0, raw); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}
