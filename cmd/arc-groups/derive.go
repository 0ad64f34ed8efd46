package main

import (
	"encoding/hex"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-groups/pkg/group"
)

func newDeriveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "derive <legacy-id>",
		Short: "Derive the migrated identifier of a legacy group",
		Long: `Derive the revisioned group identifier and public key a legacy group
migrates to. Every member derives the same values, so the first member to
migrate creates the group and the rest find it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			legacy, err := group.ParseID(args[0])
			if err != nil {
				return err
			}
			id, sp, err := group.DeriveRevisionedID(legacy)
			if err != nil {
				return err
			}
			pub := sp.PublicKey()
			return newOutput(cmd, v).KV("derived-group").
				Set("Legacy ID", legacy.String()).
				Set("Group ID", id.String()).
				Set("Public Key", hex.EncodeToString(pub[:])).
				Render()
		},
	}
}
