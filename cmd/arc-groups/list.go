package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-groups/internal/cel"
	"github.com/gezibash/arc-groups/internal/cli"
	"github.com/gezibash/arc-groups/internal/names"
	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/pkg/group"
)

func newListCmd(v *viper.Viper) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored groups",
		Long: `List the groups in the local store.

--filter takes a CEL expression over: id, kind, title, description,
revision, timer, members, admins, pending, active, profile_sharing,
migrated and member_acis. For example:

  arc-groups list --filter 'kind == "legacy" && active'
  arc-groups list --filter 'members > 10 && migrated'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var f *cel.Filter
			if filter != "" {
				var err error
				if f, err = cel.CompileGroupFilter(filter); err != nil {
					return fmt.Errorf("filter: %w", err)
				}
			}
			return withSession(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				records, err := listGroups(ctx, s.Store)
				if err != nil {
					return err
				}
				return groupTable(out, records, f, filter).Render()
			})
		},
	}

	cmd.Flags().StringVarP(&filter, "filter", "f", "", "CEL filter expression")
	return cmd
}

// listGroups returns every stored record ordered by identifier.
func listGroups(ctx context.Context, s store.Store) ([]*group.Record, error) {
	var records []*group.Record
	err := s.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		records, err = tx.ListGroups(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	slices.SortFunc(records, func(a, b *group.Record) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return records, nil
}

func groupTable(out *cli.Output, records []*group.Record, f *cel.Filter, expr string) *cli.Table {
	tbl := out.Table("groups", "ID", "Name", "Kind", "Title", "Revision", "Members", "Active")
	for _, r := range records {
		if f != nil && !f.MatchGroup(r) {
			continue
		}
		tbl.AddRow(
			r.ID.Short(),
			names.Group(r.ID),
			kindName(r.ID),
			r.Title,
			strconv.FormatUint(uint64(r.Revision), 10),
			strconv.Itoa(len(r.Members)),
			strconv.FormatBool(r.Active),
		)
	}
	if expr != "" {
		tbl.WithFilter(expr, len(records))
	}
	return tbl
}

func kindName(id group.ID) string {
	if id.IsLegacy() {
		return "legacy"
	}
	return "revisioned"
}
