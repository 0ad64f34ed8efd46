// Package announce delivers group announcements to the rest of the
// system. Announcements are serialized to Message and handed to one or more
// publishers.
package announce

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gezibash/arc-groups/internal/groups"
	"github.com/gezibash/arc-groups/pkg/group"
)

// Message is the wire form of an announcement.
type Message struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	GroupID     string    `json:"group_id"`
	OldRevision uint32    `json:"old_revision,omitempty"`
	Revision    uint32    `json:"revision"`
	Editor      string    `json:"editor,omitempty"`
	Actions     []string  `json:"actions,omitempty"`
	Members     int       `json:"members"`
	Signed      []byte    `json:"signed,omitempty"`
	At          time.Time `json:"at"`
}

// NewMessage converts a to its wire form, stamped with a fresh ULID.
func NewMessage(a groups.Announcement, now time.Time) Message {
	msg := Message{
		ID:      ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Kind:    a.Kind.String(),
		GroupID: a.GroupID.String(),
		Signed:  a.Signed,
		At:      now.UTC(),
	}
	if a.Old != nil {
		msg.OldRevision = a.Old.Revision
	}
	if a.New != nil {
		msg.Revision = a.New.Revision
		msg.Members = len(a.New.Members)
	}
	if a.Change != nil {
		msg.Editor = a.Change.Editor.String()
		for _, act := range a.Change.Actions {
			msg.Actions = append(msg.Actions, group.ActionName(act))
		}
	}
	return msg
}

// Fanout hands each announcement to every announcer in order. All are
// tried; failures are joined.
type Fanout []groups.Announcer

func (f Fanout) Announce(ctx context.Context, a groups.Announcement) error {
	var errs []error
	for _, ann := range f {
		if err := ann.Announce(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
