package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/Zereker/htsp"
	"github.com/Zereker/htsp/internal/forward"
	"github.com/Zereker/htsp/internal/logging"
	"github.com/Zereker/htsp/internal/metrics"
	"github.com/Zereker/htsp/internal/session"
)

func connectCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Keep an authenticated session open and log server events",
		Long: `Keep an authenticated session open and log server events.

The session reconnects when the connection drops. With metrics.enabled the
Prometheus endpoint and /healthz are served on metrics.listen; with
nats.enabled every server event is published on nats.subject_prefix.<method>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := g.cfg
			collector := metrics.New()

			var fwd *forward.Forwarder
			if cfg.NATS.Enabled {
				var err error
				if fwd, err = forward.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix); err != nil {
					return err
				}
				defer fwd.Close()
			}

			onEvent := func(m *htsp.Message) {
				logging.Info().Str("method", m.Method()).Int("fields", m.Len()).Msg("server event")
				if fwd != nil {
					fwd.Forward(m)
				}
			}

			connOpts := append(cfg.ClientOptions(),
				htsp.ObserverOption(collector),
				htsp.OnEventOption(onEvent),
				htsp.OnErrorOption(func(err error) {
					logging.Warn().Err(err).Msg("connection terminated")
				}))

			svc, err := session.New(session.Config{
				Host:              cfg.Server.Host,
				Port:              cfg.Server.Port,
				Username:          cfg.Server.Username,
				Password:          cfg.Server.Password,
				ReconnectInterval: cfg.Session.ReconnectInterval,
				ReconnectBurst:    cfg.Session.ReconnectBurst,
				BreakerFailures:   cfg.Session.BreakerFailures,
				BreakerTimeout:    cfg.Session.BreakerTimeout,
			}, connOpts,
				session.LoggerOption(logging.Component("session")),
				session.BreakerObserverOption(collector),
				session.OnReadyOption(func(id string, conn *htsp.Conn) {
					if fwd != nil {
						fwd.SetSession(id)
					}
					info := conn.ServerInfo()
					logging.Info().
						Str("session_id", id).
						Str("server", fmt.Sprintf("%s %s", info.ServerName, info.ServerVersion)).
						Strs("capabilities", info.Capabilities).
						Msg("connected")
				}))
			if err != nil {
				return err
			}

			services := []suture.Service{svc}
			if cfg.Metrics.Enabled {
				services = append(services, metrics.NewServer(cfg.Metrics.Listen, collector))
			}

			if err = session.Supervise(cmd.Context(), logging.Component("supervisor"), services...); err != nil {
				return err
			}
			return svc.Err()
		},
	}
}
