// Package errors holds the failure kinds shared by arc-groups packages.
// Package sentinels wrap one of these so callers can match a kind without
// importing the package that failed.
package errors

import stderrors "errors"

var (
	// ErrNotFound indicates the group, revision or record does not exist.
	ErrNotFound = stderrors.New("not found")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = stderrors.New("closed")

	// ErrAlreadyExists indicates the group already exists.
	ErrAlreadyExists = stderrors.New("already exists")

	// ErrTimeout indicates an operation gave up waiting.
	ErrTimeout = stderrors.New("timeout")

	// ErrConflict indicates a write raced a newer revision.
	ErrConflict = stderrors.New("revision conflict")

	// ErrDenied indicates the caller lacks the standing or rights for a request.
	ErrDenied = stderrors.New("denied")
)

var kinds = []struct {
	err   error
	label string
}{
	{ErrNotFound, "not_found"},
	{ErrClosed, "closed"},
	{ErrAlreadyExists, "already_exists"},
	{ErrTimeout, "timeout"},
	{ErrConflict, "conflict"},
	{ErrDenied, "denied"},
}

// Kind returns a metric-friendly label for the shared kind err wraps, or
// the empty string when it wraps none.
func Kind(err error) string {
	for _, k := range kinds {
		if stderrors.Is(err, k.err) {
			return k.label
		}
	}
	return ""
}
