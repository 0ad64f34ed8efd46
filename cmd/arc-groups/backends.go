package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-groups/internal/store"
)

func newBackendsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List store backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newOutput(cmd, v).StringList("store-backends").Add(store.ListBackends()...).Render()
		},
	}
}
