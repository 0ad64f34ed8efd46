package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-groups/internal/cli"
	"github.com/gezibash/arc-groups/internal/config"
	arcerrors "github.com/gezibash/arc-groups/pkg/errors"
)

// sessionFunc is a command body run against an open session.
type sessionFunc func(ctx context.Context, s *cli.Session, out *cli.Output) error

// withSession loads configuration, opens a session and runs fn. The
// session is closed when fn returns. With json or markdown output a
// failure is also rendered as an error document on stdout.
func withSession(cmd *cobra.Command, v *viper.Viper, fn sessionFunc) error {
	out := newOutput(cmd, v)
	err := runSession(cmd, v, out, fn)
	if err != nil && out.Format() != cli.FormatText {
		_ = out.Error(cmd.Name(), err).WithCode(failureCode(err)).Render()
	}
	return err
}

func runSession(cmd *cobra.Command, v *viper.Viper, out *cli.Output, fn sessionFunc) error {
	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := cli.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()

	return fn(ctx, s, out)
}

// failureCode names the failure class of err: the ledger's error kind when
// it carries one, otherwise the shared kind it wraps.
func failureCode(err error) string {
	var labeled interface{ MetricLabel() string }
	if errors.As(err, &labeled) {
		return labeled.MetricLabel()
	}
	if kind := arcerrors.Kind(err); kind != "" {
		return kind
	}
	return "failed"
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) (config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newOutput(cmd *cobra.Command, v *viper.Viper) *cli.Output {
	return cli.NewOutput(cli.ParseFormat(v.GetString("output")), cmd.OutOrStdout())
}
