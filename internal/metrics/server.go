package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Server serves the metrics router. It implements suture.Service.
type Server struct {
	addr    string
	handler http.Handler

	ready chan net.Addr
}

// NewServer returns a server for the collector's router on addr.
func NewServer(addr string, c *Collector) *Server {
	return &Server{
		addr:    addr,
		handler: NewRouter(c),
		ready:   make(chan net.Addr, 1),
	}
}

// Ready receives the bound address once the listener is up.
func (s *Server) Ready() <-chan net.Addr {
	return s.ready
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	select {
	case s.ready <- l.Addr():
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (s *Server) String() string {
	return "metrics(" + s.addr + ")"
}
