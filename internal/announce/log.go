package announce

import (
	"context"
	"time"

	"github.com/gezibash/arc-groups/internal/groups"
	"github.com/gezibash/arc-groups/pkg/logging"
)

// Log writes announcements to a logger.
type Log struct {
	log *logging.Logger
	now func() time.Time
}

// NewLog creates a log publisher. A nil logger uses the slog default.
func NewLog(log *logging.Logger) *Log {
	if log == nil {
		log = logging.New(nil)
	}
	return &Log{log: log.WithComponent("announce"), now: time.Now}
}

func (l *Log) Announce(ctx context.Context, a groups.Announcement) error {
	msg := NewMessage(a, l.now())
	l.log.WithGroup(a.GroupID).InfoContext(ctx, "announcement",
		"id", msg.ID,
		"kind", msg.Kind,
		"revision", msg.Revision,
		"actions", msg.Actions,
		"signed", logging.FormatBytes(msg.Signed))
	return nil
}
