package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/Zereker/htsp/internal/logging"
	"github.com/Zereker/htsp/internal/stub"
)

func stubCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stub",
		Short: "Run a scripted HTSP server for local development",
		Long: `Run a scripted HTSP server.

It answers hello, authenticate, getDiskSpace, getSysTime and
enableAsyncMetadata, announces two channels and pushes a channelUpdate
every stub.push_interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc := g.cfg.Stub
			cfg := stub.DefaultConfig()
			cfg.Username = sc.Username
			cfg.Password = sc.Password

			logging.Info().Str("addr", sc.Listen).Str("username", sc.Username).Msg("starting stub server")
			err := stub.ListenAndServe(cmd.Context(), sc.Listen, cfg, sc.PushInterval, logging.Component("stub"))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
