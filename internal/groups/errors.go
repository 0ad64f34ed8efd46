package groups

import (
	"errors"
	"fmt"

	"github.com/gezibash/arc-groups/internal/grouplock"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
)

// Kind classifies a failed group operation. Every error returned by a
// Manager entry point carries exactly one Kind.
type Kind int

const (
	// KindIO is a transport or credential failure. Retryable.
	KindIO Kind = iota
	// KindBusy means the processing lock was not acquired in time. Retryable.
	KindBusy
	// KindNotAMember means the server does not consider us a member.
	KindNotAMember
	// KindInsufficientRights means our role does not allow the change.
	KindInsufficientRights
	// KindChangeFailed is a terminal commit or sync failure.
	KindChangeFailed
	// KindInvalidMigrationState means a migration precondition does not hold.
	KindInvalidMigrationState
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindBusy:
		return "busy"
	case KindNotAMember:
		return "not_a_member"
	case KindInsufficientRights:
		return "insufficient_rights"
	case KindChangeFailed:
		return "change_failed"
	case KindInvalidMigrationState:
		return "invalid_migration_state"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against a Kind.
var (
	ErrIO                    = errors.New("group i/o failure")
	ErrBusy                  = errors.New("group processing busy")
	ErrNotAMember            = errors.New("not a group member")
	ErrInsufficientRights    = errors.New("insufficient rights for group change")
	ErrChangeFailed          = errors.New("group change failed")
	ErrInvalidMigrationState = errors.New("invalid group migration state")
)

var kindSentinels = map[Kind]error{
	KindIO:                    ErrIO,
	KindBusy:                  ErrBusy,
	KindNotAMember:            ErrNotAMember,
	KindInsufficientRights:    ErrInsufficientRights,
	KindChangeFailed:          ErrChangeFailed,
	KindInvalidMigrationState: ErrInvalidMigrationState,
}

// Error is the error type returned by Manager operations.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// MetricLabel reports the kind for error metrics.
func (e *Error) MetricLabel() string { return e.Kind.String() }

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err. Errors not produced by this package are
// reported as KindIO.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classifyKind(err)
}

// Retryable reports whether the caller may retry the operation later.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindIO, KindBusy:
		return true
	default:
		return false
	}
}

// classify wraps err with the Kind its cause implies. Errors that already
// carry a Kind are returned unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(classifyKind(err), op, "", err)
}

func classifyKind(err error) Kind {
	switch {
	case errors.Is(err, grouplock.ErrBusy):
		return KindBusy
	case errors.Is(err, transport.ErrNotInGroup):
		return KindNotAMember
	case errors.Is(err, transport.ErrForbidden):
		return KindInsufficientRights
	case errors.Is(err, group.ErrDecryptFailed),
		errors.Is(err, group.ErrInvalidRecord),
		errors.Is(err, group.ErrInvalidChange),
		errors.Is(err, group.ErrNotApplicable),
		errors.Is(err, group.ErrOutOfOrder),
		errors.Is(err, group.ErrUnknownAction),
		errors.Is(err, group.ErrMissingMasterKey),
		errors.Is(err, grouplock.ErrLockOrder):
		return KindChangeFailed
	default:
		return KindIO
	}
}
