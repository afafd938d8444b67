package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Zereker/htsp/internal/config"
	"github.com/Zereker/htsp/internal/logging"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
	logFormat  string
	host       string
	port       int
	username   string
	password   string

	cfg *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "htspctl",
		Short: "Talk to a TVHeadend server over HTSP",
		Long: `htspctl opens HTSP connections to a TVHeadend server.

It can keep an authenticated session alive while exporting metrics and
forwarding server events to NATS, issue single requests, and run a local
scripted server for development.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load(cmd)
		},
	}

	f := rootCmd.PersistentFlags()
	f.StringVarP(&g.configPath, "config", "c", "", "config file (default $HTSP_CONFIG or ./htsp.yaml)")
	f.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&g.logFormat, "log-format", "", "log format: json or console")
	f.StringVarP(&g.host, "host", "H", "", "server host")
	f.IntVarP(&g.port, "port", "p", 0, "server port")
	f.StringVarP(&g.username, "username", "u", "", "username")
	f.StringVarP(&g.password, "password", "P", "", "password")

	rootCmd.AddCommand(
		connectCmd(g),
		callCmd(g),
		stubCmd(g),
		versionCmd(),
	)
	return rootCmd
}

// load reads the configuration, applies flag overrides and sets up logging.
func (g *globals) load(cmd *cobra.Command) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = g.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = g.port
	}
	if flags.Changed("username") {
		cfg.Server.Username = g.username
	}
	if flags.Changed("password") {
		cfg.Server.Password = g.password
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = g.logFormat
	}
	if err = cfg.Validate(); err != nil {
		return err
	}

	cfg.Logging.Output = cmd.ErrOrStderr()
	logging.Init(cfg.Logging)
	g.cfg = cfg
	return nil
}
