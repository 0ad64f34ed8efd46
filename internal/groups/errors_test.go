package groups

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gezibash/arc-groups/internal/grouplock"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{grouplock.ErrBusy, KindBusy},
		{fmt.Errorf("submit: %w", transport.ErrNotInGroup), KindNotAMember},
		{fmt.Errorf("%w: modify_title", transport.ErrForbidden), KindInsufficientRights},
		{group.ErrDecryptFailed, KindChangeFailed},
		{fmt.Errorf("action 0: %w", group.ErrNotApplicable), KindChangeFailed},
		{grouplock.ErrLockOrder, KindChangeFailed},
		{transport.ErrConflict, KindIO},
		{context.DeadlineExceeded, KindIO},
		{errors.New("connection refused"), KindIO},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := classify("op", tt.err)
			if got := KindOf(err); got != tt.want {
				t.Errorf("KindOf = %s, want %s", got, tt.want)
			}
			if !errors.Is(err, tt.err) {
				t.Error("cause lost")
			}
			if !errors.Is(err, kindSentinels[tt.want]) {
				t.Errorf("does not match %v", kindSentinels[tt.want])
			}
		})
	}
}

func TestClassifyKeepsKind(t *testing.T) {
	orig := errorf(KindNotAMember, "commit", "gone")
	wrapped := fmt.Errorf("outer: %w", orig)
	if got := classify("sync", wrapped); got != wrapped {
		t.Errorf("classify rewrapped an error that already has a kind: %v", got)
	}
	if KindOf(wrapped) != KindNotAMember {
		t.Errorf("KindOf = %s", KindOf(wrapped))
	}
	if classify("op", nil) != nil {
		t.Error("classify(nil) != nil")
	}
}

func TestErrorMatchesOnlyItsKind(t *testing.T) {
	err := newError(KindBusy, "edit", "permit held", grouplock.ErrBusy)
	if !errors.Is(err, ErrBusy) {
		t.Error("does not match ErrBusy")
	}
	if errors.Is(err, ErrIO) {
		t.Error("matches ErrIO")
	}
	if err.MetricLabel() != "busy" {
		t.Errorf("metric label %q", err.MetricLabel())
	}
	if got, want := err.Error(), "edit: busy: permit held: "+grouplock.ErrBusy.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestRetryable(t *testing.T) {
	for kind, want := range map[Kind]bool{
		KindIO:                    true,
		KindBusy:                  true,
		KindNotAMember:            false,
		KindInsufficientRights:    false,
		KindChangeFailed:          false,
		KindInvalidMigrationState: false,
	} {
		if got := Retryable(errorf(kind, "op", "x")); got != want {
			t.Errorf("Retryable(%s) = %v", kind, got)
		}
	}
	if Retryable(nil) {
		t.Error("Retryable(nil)")
	}
}
