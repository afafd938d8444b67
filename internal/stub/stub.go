// Package stub implements a scripted HTSP server that answers the handshake
// and a handful of informational methods the way TVHeadend does, and pushes
// periodic channel updates. It backs `htspctl stub` and the session tests.
package stub

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zereker/htsp"
)

// Channel is a channel announced to clients that enable async metadata.
type Channel struct {
	ID     int64
	Number int64
	Name   string
}

// Config describes the scripted server.
type Config struct {
	Username        string
	Password        string
	ServerName      string
	ServerVersion   string
	ProtocolVersion int64
	Capabilities    []string
	Channels        []Channel
	FreeDiskSpace   int64
	TotalDiskSpace  int64
}

// DefaultConfig returns a server with two channels that accepts admin/admin.
func DefaultConfig() Config {
	return Config{
		Username:        "admin",
		Password:        "admin",
		ServerName:      "HTS Tvheadend",
		ServerVersion:   "4.3-stub",
		ProtocolVersion: 34,
		Capabilities:    []string{"caclient", "tvadapters", "imagecache", "timeshift"},
		Channels: []Channel{
			{ID: 1, Number: 1, Name: "Das Erste HD"},
			{ID: 2, Number: 2, Name: "ZDF HD"},
		},
		FreeDiskSpace:  512 << 30,
		TotalDiskSpace: 2 << 40,
	}
}

type sessionState struct {
	id            string
	challenge     []byte
	authenticated bool
	async         bool
}

// Handler answers requests of every session of an htsp.Server.
type Handler struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[*htsp.ServerSession]*sessionState
	ticks    int64
}

// NewHandler returns a handler for cfg. A nil logger selects slog.Default.
func NewHandler(cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[*htsp.ServerSession]*sessionState),
	}
}

func (h *Handler) state(s *htsp.ServerSession) *sessionState {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[s]
	if !ok {
		st = &sessionState{id: uuid.NewString()}
		h.sessions[s] = st
		h.logger.Info("stub session started", "session_id", st.id, "remote_addr", s.RemoteAddr())
	}
	return st
}

func (h *Handler) forget(s *htsp.ServerSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// ServeHTSP implements htsp.ServerHandler.
func (h *Handler) ServeHTSP(s *htsp.ServerSession, req *htsp.Message) {
	st := h.state(s)
	method := req.Method()
	h.logger.Debug("stub request", "session_id", st.id, "method", method)

	var err error
	switch method {
	case "hello":
		err = h.hello(s, st, req)
	case "authenticate":
		err = h.authenticate(s, st, req)
	default:
		if !h.authorized(st) {
			err = s.Reply(req, htsp.NewMessage().SetInt("noaccess", 1))
			break
		}
		err = h.serveAuthorized(s, st, req)
	}

	if err != nil {
		h.logger.Debug("stub reply failed", "session_id", st.id, "method", method, "error", err)
		h.forget(s)
	}
}

func (h *Handler) authorized(st *sessionState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return st.authenticated || h.cfg.Username == ""
}

func (h *Handler) hello(s *htsp.ServerSession, st *sessionState, req *htsp.Message) error {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}

	h.mu.Lock()
	st.challenge = challenge
	st.authenticated = false
	h.mu.Unlock()

	version := h.cfg.ProtocolVersion
	if v, ok := req.Int("htspversion"); ok && v < version {
		version = v
	}
	caps := make(htsp.List, 0, len(h.cfg.Capabilities))
	for _, c := range h.cfg.Capabilities {
		caps = append(caps, c)
	}

	return s.Reply(req, htsp.NewMessage().
		SetInt("htspversion", version).
		SetString("servername", h.cfg.ServerName).
		SetString("serverversion", h.cfg.ServerVersion).
		SetList("servercapability", caps).
		SetBinary("challenge", challenge).
		SetString("webroot", ""))
}

func (h *Handler) authenticate(s *htsp.ServerSession, st *sessionState, req *htsp.Message) error {
	user, _ := req.String("username")
	digest, _ := req.Binary("digest")

	h.mu.Lock()
	ok := st.challenge != nil && user == h.cfg.Username &&
		string(digest) == string(htsp.Digest(h.cfg.Password, st.challenge))
	st.authenticated = ok
	h.mu.Unlock()

	if !ok {
		h.logger.Info("stub access denied", "session_id", st.id, "username", user)
		return s.Reply(req, htsp.NewMessage().SetInt("noaccess", 1))
	}
	return s.Reply(req, htsp.NewMessage())
}

func (h *Handler) serveAuthorized(s *htsp.ServerSession, st *sessionState, req *htsp.Message) error {
	switch req.Method() {
	case "getDiskSpace":
		return s.Reply(req, htsp.NewMessage().
			SetInt("freediskspace", h.cfg.FreeDiskSpace).
			SetInt("totaldiskspace", h.cfg.TotalDiskSpace))
	case "getSysTime":
		now := time.Now()
		_, offset := now.Zone()
		return s.Reply(req, htsp.NewMessage().
			SetInt("time", now.Unix()).
			SetInt("gmtoffset", int64(offset/60)))
	case "enableAsyncMetadata":
		if err := s.Reply(req, htsp.NewMessage()); err != nil {
			return err
		}
		h.mu.Lock()
		st.async = true
		h.mu.Unlock()
		for _, ch := range h.cfg.Channels {
			if err := s.Push(channelMessage("channelAdd", ch)); err != nil {
				return err
			}
		}
		return s.Push(htsp.NewRequest("initialSyncCompleted"))
	default:
		return s.Reply(req, htsp.NewMessage().SetString(htsp.FieldError, "Method not found"))
	}
}

func channelMessage(method string, ch Channel) *htsp.Message {
	return htsp.NewRequest(method).
		SetInt("channelId", ch.ID).
		SetInt("channelNumber", ch.Number).
		SetString("channelName", ch.Name)
}

// Push sends msg to every session that enabled async metadata and returns
// how many received it.
func (h *Handler) Push(msg *htsp.Message) int {
	h.mu.Lock()
	targets := make([]*htsp.ServerSession, 0, len(h.sessions))
	for s, st := range h.sessions {
		if st.async {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	n := 0
	for _, s := range targets {
		if err := s.Push(msg); err != nil {
			h.forget(s)
			continue
		}
		n++
	}
	return n
}

// Tick pushes one channelUpdate for the next channel in turn.
func (h *Handler) Tick() int {
	if len(h.cfg.Channels) == 0 {
		return 0
	}
	h.mu.Lock()
	ch := h.cfg.Channels[h.ticks%int64(len(h.cfg.Channels))]
	h.ticks++
	h.mu.Unlock()

	return h.Push(channelMessage("channelUpdate", ch))
}

// Run calls Tick every interval until ctx is done.
func (h *Handler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick()
		}
	}
}

// ListenAndServe runs a stub server on addr until ctx is done. Periodic
// pushes are disabled when interval is not positive.
func ListenAndServe(ctx context.Context, addr string, cfg Config, interval time.Duration, logger *slog.Logger) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}

	h := NewHandler(cfg, logger)
	srv, err := htsp.NewServer(tcpAddr, htsp.ServerLoggerOption(h.logger))
	if err != nil {
		return err
	}
	defer srv.Close()

	if interval > 0 {
		go h.Run(ctx, interval)
	}
	return srv.Serve(ctx, h)
}
