package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-groups/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newRootCmd(viper.New()).ExecuteContext(ctx)
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arc-groups",
		Short: "Revisioned group ledger",
		Long: `Arc groups - local group records kept in step with a group server.

Local commands:
  arc-groups list [--filter EXPR]    List stored groups
  arc-groups show <id>               Show one stored group
  arc-groups derive <legacy-id>      Derive the migrated identifier of a legacy group
  arc-groups legacy create           Store a new legacy group
  arc-groups credentials list|clear  Inspect or drop cached auth credentials
  arc-groups backends                List store backends

Server commands:
  arc-groups simulate                Migrate, edit and resolve conflicts against
                                     an in-process group server`,
		SilenceUsage: true,
	}

	config.BindFlags(rootCmd, v)

	rootCmd.PersistentFlags().StringP("output", "o", "text", "output format (text, json, markdown)")
	_ = v.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	rootCmd.AddCommand(newListCmd(v))
	rootCmd.AddCommand(newShowCmd(v))
	rootCmd.AddCommand(newDeriveCmd(v))
	rootCmd.AddCommand(newLegacyCmd(v))
	rootCmd.AddCommand(newCredentialsCmd(v))
	rootCmd.AddCommand(newBackendsCmd(v))
	rootCmd.AddCommand(newSimulateCmd(v))

	return rootCmd
}
