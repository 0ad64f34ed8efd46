package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-groups/internal/cli"
	"github.com/gezibash/arc-groups/internal/config"
	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/pkg/group"
)

func newLegacyCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "legacy",
		Short: "Manage legacy groups",
	}
	cmd.AddCommand(newLegacyCreateCmd(v))
	return cmd
}

func newLegacyCreateCmd(v *viper.Viper) *cobra.Command {
	var (
		title   string
		members []string
		timer   uint32
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Store a new legacy group",
		Long: `Store a new active legacy group with the configured self and the given
members. Legacy groups have no server state; migrate them with simulate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				self, err := s.Config.SelfACI()
				if errors.Is(err, config.ErrNoSelf) {
					return fmt.Errorf("%w: pass --self", err)
				}
				if err != nil {
					return err
				}
				acis, err := parseACIs(members)
				if err != nil {
					return err
				}
				r, err := newLegacyRecord(title, timer, append([]uuid.UUID{self}, acis...))
				if err != nil {
					return err
				}
				if err := store.SaveGroup(ctx, s.Store, r); err != nil {
					return fmt.Errorf("save group: %w", err)
				}
				return out.Result("legacy-group", "legacy group stored").
					With("ID", r.ID.String()).
					With("Members", len(r.Members)).
					Render()
			})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "group title")
	cmd.Flags().StringSliceVarP(&members, "member", "m", nil, "member ACI (repeatable)")
	cmd.Flags().Uint32Var(&timer, "timer", 0, "disappearing message timer in seconds")
	return cmd
}

// newLegacyRecord builds an active legacy record. Duplicate members are
// dropped. Profile keys are derived from the ACI so that migration can
// carry every member over.
func newLegacyRecord(title string, timer uint32, acis []uuid.UUID) (*group.Record, error) {
	id, err := group.GenerateLegacyID()
	if err != nil {
		return nil, err
	}
	r := &group.Record{
		ID:             id,
		Title:          title,
		Timer:          timer,
		Active:         true,
		ProfileSharing: true,
		ThreadID:       time.Now().UnixMilli(),
	}
	for _, aci := range acis {
		if r.IsMember(aci) {
			continue
		}
		r.Members = append(r.Members, group.Member{ACI: aci, Role: group.RoleMember, ProfileKey: aci[:]})
	}
	return r, nil
}

func parseACIs(values []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(values))
	for _, s := range values {
		aci, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", s, err)
		}
		out = append(out, aci)
	}
	return out, nil
}
