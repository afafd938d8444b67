// Package session keeps an authenticated HTSP connection alive.
//
// The connection engine never reconnects on its own. Service wraps one
// htsp.Conn in a suture service: it opens and authenticates through a circuit
// breaker, paces attempts with a token bucket, and starts over whenever the
// connection terminates.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/Zereker/htsp"
)

// ErrAccessDenied is recorded when the server rejects the credentials.
// Retrying cannot succeed, so the service terminates its supervisor tree.
var ErrAccessDenied = errors.New("access denied")

// Config holds the endpoint, credentials and reconnect policy.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	ReconnectInterval time.Duration
	ReconnectBurst    int
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
}

// BreakerObserver is told about connect breaker transitions
// (0 closed, 1 half-open, 2 open).
type BreakerObserver interface {
	BreakerStateChanged(state int)
}

// Option configures a Service.
type Option func(*Service)

// OnReadyOption sets a callback run after every successful authentication.
func OnReadyOption(fn func(id string, conn *htsp.Conn)) Option {
	return func(s *Service) {
		s.onReady = fn
	}
}

// BreakerObserverOption reports breaker transitions to o.
func BreakerObserverOption(o BreakerObserver) Option {
	return func(s *Service) {
		s.breakerObs = o
	}
}

// LoggerOption sets the service logger.
func LoggerOption(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// Service is a suture.Service owning one reconnecting connection.
type Service struct {
	cfg        Config
	conn       *htsp.Conn
	breaker    *gobreaker.CircuitBreaker[string]
	limiter    *rate.Limiter
	logger     *slog.Logger
	onReady    func(id string, conn *htsp.Conn)
	breakerObs BreakerObserver

	mu  sync.Mutex
	id  string
	err error
}

var _ suture.Service = (*Service)(nil)

// New creates a service. connOpts are passed to htsp.NewConn.
func New(cfg Config, connOpts []htsp.Option, opts ...Option) (*Service, error) {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.ReconnectBurst < 1 {
		cfg.ReconnectBurst = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	s := &Service{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}

	conn, err := htsp.NewConn(append([]htsp.Option{htsp.LoggerOption(s.logger)}, connOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	s.conn = conn
	s.limiter = rate.NewLimiter(rate.Every(cfg.ReconnectInterval), cfg.ReconnectBurst)
	s.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "htsp-connect",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			if s.breakerObs != nil {
				s.breakerObs.BreakerStateChanged(int(to))
			}
		},
	})
	return s, nil
}

// Conn returns the managed connection.
func (s *Service) Conn() *htsp.Conn {
	return s.conn
}

// SessionID identifies the current authenticated connection, or is empty.
func (s *Service) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Err returns the error that made the service give up, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Service) String() string {
	return fmt.Sprintf("htsp-session(%s:%d)", s.cfg.Host, s.cfg.Port)
}

// Serve connects, waits for the connection to end, and repeats until ctx
// is done or the credentials are rejected.
func (s *Service) Serve(ctx context.Context) error {
	defer func() { _ = s.conn.Stop() }()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		id, err := s.breaker.Execute(func() (string, error) {
			return s.connect(ctx)
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrAccessDenied):
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.logger.Error("giving up", "username", s.cfg.Username, "error", err)
			return suture.ErrTerminateSupervisorTree
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.logger.Warn("connect failed", "host", s.cfg.Host, "port", s.cfg.Port, "error", err)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.conn.Done():
		}

		s.mu.Lock()
		if s.id == id {
			s.id = ""
		}
		s.mu.Unlock()
		s.logger.Info("connection ended", "session_id", id, "error", s.conn.Err())
	}
}

// connect opens and authenticates the connection, returning a new session ID.
func (s *Service) connect(ctx context.Context) (string, error) {
	if err := s.conn.Open(ctx, s.cfg.Host, s.cfg.Port); err != nil {
		return "", err
	}

	ok, err := s.conn.Authenticate(ctx, s.cfg.Username, s.cfg.Password)
	if err != nil || !ok {
		_ = s.conn.Stop()
		if err == nil {
			err = fmt.Errorf("%w for user %q", ErrAccessDenied, s.cfg.Username)
		}
		return "", err
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()

	info := s.conn.ServerInfo()
	s.logger.Info("session ready",
		"session_id", id,
		"server_name", info.ServerName,
		"server_version", info.ServerVersion,
		"protocol_version", info.ProtocolVersion)

	if s.onReady != nil {
		s.onReady(id, s.conn)
	}
	return id, nil
}
