package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/htsp"
)

// echo answers every request by naming its method in each field it received.
func echo(s *htsp.ServerSession, req *htsp.Message) {
	reply := htsp.NewMessage()
	for _, f := range req.Fields() {
		if f.Name != htsp.FieldSeq {
			reply.SetString(f.Name, req.Method())
		}
	}
	if err := s.Reply(req, reply); err != nil {
		slog.Error("reply failed", "error", err)
	}
}

func main() {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:9982")
	if err != nil {
		panic(err)
	}

	server, err := htsp.NewServer(addr)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	go func() {
		if err := server.Serve(ctx, htsp.ServerHandlerFunc(echo)); err != nil {
			slog.Error("server error", "error", err)
		}
	}()

	conn, err := htsp.NewConn(
		htsp.OnEventOption(func(m *htsp.Message) {
			slog.Info("event", "method", m.Method(), "fields", m.ToMap())
		}),
		htsp.OnErrorOption(func(err error) {
			slog.Error("connection error", "error", err)
			cancel()
		}),
	)
	if err != nil {
		panic(err)
	}

	if err = conn.Open(ctx, addr.IP.String(), addr.Port); err != nil {
		return
	}
	defer conn.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			server.Broadcast(htsp.NewRequest("tick").SetInt("time", t.Unix()))

			reply, err := conn.Call(ctx, htsp.NewRequest("getSysTime"))
			if err != nil {
				slog.Error("call failed", "error", err)
				continue
			}
			slog.Info("reply", "fields", reply.ToMap())
		}
	}
}
