package main

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-groups/internal/cli"
	"github.com/gezibash/arc-groups/internal/credential"
	"github.com/gezibash/arc-groups/internal/store"
)

func newCredentialsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Inspect or clear cached authorization credentials",
	}
	cmd.AddCommand(newCredentialsListCmd(v))
	cmd.AddCommand(newCredentialsClearCmd(v))
	return cmd
}

func newCredentialsListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached credential days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				creds, err := store.CredentialPersister{Store: s.Store}.LoadCredentials(ctx)
				if err != nil {
					return err
				}
				today := credential.Today(time.Now())
				tbl := out.Table("credentials", "Day", "Date", "Valid", "Today")
				for _, c := range creds {
					tbl.AddRow(
						strconv.FormatInt(c.Day, 10),
						time.Unix(c.Day*86400, 0).UTC().Format(time.DateOnly),
						strconv.FormatBool(credential.VerifyCredential(c)),
						strconv.FormatBool(c.Day == today),
					)
				}
				return tbl.Render()
			})
		},
	}
}

func newCredentialsClearCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached credential",
		Long: `Drop every cached credential. The next server request fetches a fresh
batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				p := store.CredentialPersister{Store: s.Store}
				creds, err := p.LoadCredentials(ctx)
				if err != nil {
					return err
				}
				if err := p.ClearCredentials(ctx); err != nil {
					return err
				}
				return out.Result("credentials-cleared", "credentials cleared").
					With("Removed", len(creds)).
					Render()
			})
		},
	}
}
