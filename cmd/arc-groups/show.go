package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-groups/internal/cli"
	"github.com/gezibash/arc-groups/internal/names"
	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/pkg/group"
)

func newShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stored group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := group.ParseID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				r, err := store.LoadGroup(ctx, s.Store, id)
				if err != nil {
					return fmt.Errorf("show %s: %w", id.Short(), err)
				}
				return groupKV(out, r).Render()
			})
		},
	}
}

func groupKV(out *cli.Output, r *group.Record) *cli.KV {
	kv := out.KV("group").
		Set("ID", r.ID.String()).
		Set("Name", names.Group(r.ID)).
		Set("Kind", kindName(r.ID)).
		Set("Revision", r.Revision).
		Set("Title", r.Title)
	if r.Description != "" {
		kv.Set("Description", r.Description)
	}
	kv.Set("Timer Seconds", r.Timer).
		Set("Active", r.Active).
		Set("Profile Sharing", r.ProfileSharing).
		Set("Attributes Access", r.Access.Attributes.String()).
		Set("Members Access", r.Access.Members.String()).
		Set("Members", memberLines(r))
	if len(r.Pending) > 0 {
		kv.Set("Pending", pendingLines(r))
	}
	if !r.MigratedFrom.IsZero() {
		kv.Set("Migrated From", r.MigratedFrom.String())
	}
	if r.UpdatedAt > 0 {
		kv.Set("Updated", time.UnixMilli(r.UpdatedAt).UTC().Format(time.RFC3339))
	}
	return kv
}

func memberLines(r *group.Record) string {
	lines := make([]string, len(r.Members))
	for i, m := range r.Members {
		lines[i] = fmt.Sprintf("%s %s %s", m.ACI, names.Member(m.ACI), m.Role)
	}
	return strings.Join(lines, "\n")
}

func pendingLines(r *group.Record) string {
	lines := make([]string, len(r.Pending))
	for i, p := range r.Pending {
		lines[i] = fmt.Sprintf("%s %s %s (invited by %s)", p.ACI, names.Member(p.ACI), p.Role, names.Member(p.AddedBy))
	}
	return strings.Join(lines, "\n")
}
