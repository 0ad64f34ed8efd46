// Package transport defines the contract between the group ledger client
// and the group server. Payloads are sealed under the group's secret params
// before they reach a Transport; implementations only move bytes.
package transport

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	arcerrors "github.com/gezibash/arc-groups/pkg/errors"
	"github.com/gezibash/arc-groups/pkg/group"
)

// Latest requests the newest revision the server has.
const Latest uint32 = math.MaxUint32

var (
	// ErrConflict means the submitted change does not target the next
	// revision on the server.
	ErrConflict = fmt.Errorf("group change %w with server", arcerrors.ErrConflict)

	// ErrForbidden means the caller's role does not allow the change.
	ErrForbidden = fmt.Errorf("group change %w", arcerrors.ErrDenied)

	// ErrNotInGroup means the caller is not a member of the group.
	ErrNotInGroup = fmt.Errorf("group membership %w", arcerrors.ErrDenied)

	// ErrGroupExists is returned by CreateGroup when the group already exists.
	ErrGroupExists = fmt.Errorf("group %w", arcerrors.ErrAlreadyExists)

	// ErrNotFound means the group or revision does not exist.
	ErrNotFound = fmt.Errorf("group %w", arcerrors.ErrNotFound)

	// ErrUnauthorized means the server rejected the authorization token.
	ErrUnauthorized = fmt.Errorf("group authorization %w", arcerrors.ErrDenied)
)

// Status is the caller's standing in a group as seen by the server.
type Status int

const (
	StatusDoesNotExist Status = iota
	StatusNotAMember
	StatusMember
)

func (s Status) String() string {
	switch s {
	case StatusDoesNotExist:
		return "does-not-exist"
	case StatusNotAMember:
		return "not-a-member"
	case StatusMember:
		return "member"
	default:
		return "unknown"
	}
}

// Credential is one day's server-issued authorization credential. Tag binds
// the material to the day and is checked before use.
type Credential struct {
	Day      int64
	Material []byte
	Tag      []byte
}

// AuthToken is a per-request presentation derived from a credential for a
// specific group.
type AuthToken struct {
	ACI          uuid.UUID
	Day          int64
	Presentation []byte
}

// EncryptedChange is a sealed change as stored by the server.
type EncryptedChange struct {
	Revision uint32
	Data     []byte
}

// HistoryPage is one page of ascending change history. When HasMore is set
// the next page starts at NextRevision.
type HistoryPage struct {
	Changes      []EncryptedChange
	HasMore      bool
	NextRevision uint32
}

// Transport talks to the group server on behalf of one authenticated user.
type Transport interface {
	// SubmitChange proposes a sealed change and returns the server-signed
	// sealed change on acceptance.
	SubmitChange(ctx context.Context, sp group.SecretParams, change []byte, auth AuthToken) ([]byte, error)

	// FetchChangeHistory returns changes with revision > from, ascending.
	FetchChangeHistory(ctx context.Context, sp group.SecretParams, from uint32, auth AuthToken) (*HistoryPage, error)

	// FetchGroupState returns the sealed state at revision, or the latest
	// state for Latest.
	FetchGroupState(ctx context.Context, sp group.SecretParams, revision uint32, auth AuthToken) ([]byte, error)

	// FetchJoinedAtRevision returns the revision at which the caller joined.
	FetchJoinedAtRevision(ctx context.Context, sp group.SecretParams, auth AuthToken) (uint32, error)

	// CreateGroup creates a group from a sealed genesis change.
	CreateGroup(ctx context.Context, sp group.SecretParams, genesis []byte, auth AuthToken) error

	// FetchGroupStatus reports whether the group exists and whether the
	// caller is a member.
	FetchGroupStatus(ctx context.Context, sp group.SecretParams, auth AuthToken) (Status, error)

	// FetchCredentialBatch returns credentials for a window of days starting
	// at today, counted in days since the Unix epoch.
	FetchCredentialBatch(ctx context.Context, today int64) ([]Credential, error)
}
