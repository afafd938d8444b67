package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/Zereker/htsp"
	"github.com/Zereker/htsp/internal/logging"
)

func callCmd(g *globals) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <method> [field=value...]",
		Short: "Send one request and print the reply as JSON",
		Long: `Send one request and print the reply as JSON.

Field values that parse as integers are sent as integers, everything else
as strings. Prefix a value with s: to force a string.

  htspctl call getSysTime
  htspctl call getEvents channelId=12 numFollowing=5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(args[0], args[1:])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			reply, callErr := call(ctx, g, req)
			if reply != nil {
				out, err := json.MarshalIndent(reply.ToMap(), "", "  ")
				if err != nil {
					return fmt.Errorf("encode reply: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			return callErr
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "overall timeout")

	return cmd
}

// buildRequest turns command arguments into a request message.
func buildRequest(method string, fields []string) (*htsp.Message, error) {
	req := htsp.NewRequest(method)
	for _, f := range fields {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q, want name=value", f)
		}
		if name == htsp.FieldMethod || name == htsp.FieldSeq {
			return nil, fmt.Errorf("field %q is reserved", name)
		}

		if s, forced := strings.CutPrefix(value, "s:"); forced {
			req.SetString(name, s)
		} else if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			req.SetInt(name, n)
		} else {
			req.SetString(name, value)
		}
	}
	return req, nil
}

// call opens a connection, authenticates when a username is configured and
// sends req.
func call(ctx context.Context, g *globals, req *htsp.Message) (*htsp.Message, error) {
	opts := append(g.cfg.ClientOptions(),
		htsp.LoggerOption(logging.Component("engine")),
		htsp.AsyncMetadataOption(false))

	conn, err := htsp.NewConn(opts...)
	if err != nil {
		return nil, err
	}
	if err = conn.Open(ctx, g.cfg.Server.Host, g.cfg.Server.Port); err != nil {
		return nil, err
	}
	defer conn.Stop()

	if g.cfg.Server.Username != "" {
		ok, err := conn.Authenticate(ctx, g.cfg.Server.Username, g.cfg.Server.Password)
		if err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("access denied for user %q", g.cfg.Server.Username)
		}
	}

	logging.Debug().Str("method", req.Method()).Msg("sending request")
	return conn.Call(ctx, req)
}
