package htsp

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ServerHandler handles requests received by a Server.
type ServerHandler interface {
	// ServeHTSP is called for each decoded request, one at a time per session.
	ServeHTSP(s *ServerSession, req *Message)
}

// ServerHandlerFunc adapts a function to ServerHandler.
type ServerHandlerFunc func(s *ServerSession, req *Message)

// ServeHTSP calls f(s, req).
func (f ServerHandlerFunc) ServeHTSP(s *ServerSession, req *Message) { f(s, req) }

// Server is a minimal HTSP server that accepts client connections and hands
// their requests to a ServerHandler. It is meant for tests and local
// development against a scripted peer.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	codec           Codec
	maxFrame        int
	shutdownTimeout time.Duration

	mu          sync.Mutex
	shutdown    bool
	sessions    map[*ServerSession]struct{}
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerCodecOption sets the codec used by server sessions.
func ServerCodecOption(codec Codec) ServerOption {
	return func(s *Server) {
		s.codec = codec
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener and its sessions.
// Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// NewServer creates a new server bound to the specified address.
// Returns an error if the address cannot be bound.
func NewServer(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		codec:       BinaryCodec{},
		maxFrame:    defaultMaxPackageLength,
		sessions:    make(map[*ServerSession]struct{}),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts connections and runs a session for each of them.
// It blocks until the context is canceled or an unrecoverable error occurs.
// If ServerShutdownTimeoutOption is set, the server waits up to the specified
// duration before stopping. Call Close() to bypass the timeout.
func (s *Server) Serve(ctx context.Context, handler ServerHandler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()

		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.closeSessions()
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		sess := &ServerSession{conn: conn, server: s}
		if !s.track(sess) {
			_ = conn.Close()
			continue
		}
		go sess.serve(handler)
	}
}

// Broadcast pushes msg to every connected session.
func (s *Server) Broadcast(msg *Message) {
	s.mu.Lock()
	sessions := make([]*ServerSession, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Push(msg); err != nil {
			s.logger.Debug("broadcast failed", "remote_addr", sess.RemoteAddr(), "error", err)
		}
	}
}

// Sessions returns the number of connected sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops the server by closing the listener and every session.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	s.closeSessions()
	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) track(sess *ServerSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *ServerSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[*ServerSession]struct{})
	s.mu.Unlock()

	for sess := range sessions {
		_ = sess.Close()
	}
}

// ServerSession is one client connection accepted by a Server.
type ServerSession struct {
	conn   *net.TCPConn
	server *Server

	writeMu sync.Mutex
}

func (ss *ServerSession) serve(handler ServerHandler) {
	defer ss.server.untrack(ss)
	defer ss.conn.Close()

	reader := bufio.NewReader(ss.conn)
	for {
		req, err := ReadFrame(reader, ss.server.codec, ss.server.maxFrame)
		if err != nil {
			ss.server.logger.Debug("session closed", "remote_addr", ss.conn.RemoteAddr(), "error", err)
			return
		}
		handler.ServeHTSP(ss, req)
	}
}

// Reply sends reply as the answer to req, echoing its sequence number.
func (ss *ServerSession) Reply(req, reply *Message) error {
	if v, ok := req.Int(FieldSeq); ok {
		reply.SetInt(FieldSeq, v)
	}
	return ss.Write(reply)
}

// Push sends an unsolicited message. A seq field on msg is not removed.
func (ss *ServerSession) Push(msg *Message) error {
	return ss.Write(msg)
}

// Write encodes and writes msg as one frame.
func (ss *ServerSession) Write(msg *Message) error {
	data, err := ss.server.codec.Encode(msg)
	if err != nil {
		return err
	}
	return ss.WriteRaw(data)
}

// WriteRaw writes pre-encoded bytes, allowing tests to split or corrupt frames.
func (ss *ServerSession) WriteRaw(data []byte) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()

	n, err := ss.conn.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return errors.Wrapf(io.ErrShortWrite, "wrote %d of %d bytes", n, len(data))
	}
	return nil
}

// RemoteAddr returns the client address.
func (ss *ServerSession) RemoteAddr() net.Addr {
	return ss.conn.RemoteAddr()
}

// Close closes the session connection.
func (ss *ServerSession) Close() error {
	return ss.conn.Close()
}
