package htsp

import (
	"context"
	"crypto/sha1"

	"github.com/pkg/errors"
)

// ErrNoChallenge is returned when the hello reply carries no challenge.
var ErrNoChallenge = errors.New("hello reply carries no challenge")

// ServerError is a reply carrying an error field.
type ServerError struct {
	Method  string
	Message string
}

func (e *ServerError) Error() string {
	return "htsp: " + e.Method + ": " + e.Message
}

// ServerInfo describes the server as announced during the handshake.
type ServerInfo struct {
	// ProtocolVersion is the lower of the client and server versions.
	ProtocolVersion       int64
	ServerProtocolVersion int64
	ServerName            string
	ServerVersion         string
	Capabilities          []string
	WebRoot               string

	// Disk space is filled in after authentication when the server answers getDiskSpace.
	FreeDiskSpace  int64
	TotalDiskSpace int64
}

// HasCapability reports whether the server announced the named capability.
func (i ServerInfo) HasCapability(name string) bool {
	for _, c := range i.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Digest returns the authentication digest for password and the server challenge.
func Digest(password string, challenge []byte) []byte {
	h := sha1.New()
	h.Write([]byte(password))
	h.Write(challenge)
	return h.Sum(nil)
}

// Authenticate performs the hello/authenticate handshake.
//
// It returns false with a nil error when the server denies access. Every step
// waits for its reply until ctx is done or the request timeout elapses.
// On success the connection becomes StateReady and the disk space and
// asynchronous metadata requests are issued without waiting for them.
func (c *Conn) Authenticate(ctx context.Context, username, password string) (bool, error) {
	hello := NewRequest("hello").
		SetInt("htspversion", c.opts.protocolVersion).
		SetString("clientname", c.opts.clientName).
		SetString("clientversion", c.opts.clientVersion)

	reply, err := c.Call(ctx, hello)
	if err != nil {
		return false, err
	}

	info := parseHello(reply, c.opts.protocolVersion)
	c.infoMu.Lock()
	c.info = info
	c.infoMu.Unlock()

	challenge, ok := reply.Binary("challenge")
	if !ok {
		return false, ErrNoChallenge
	}

	c.logger.Debug("hello completed",
		"server_name", info.ServerName,
		"server_version", info.ServerVersion,
		"protocol_version", info.ProtocolVersion)

	auth := NewRequest("authenticate").
		SetString("username", username).
		SetBinary("digest", Digest(password, challenge))

	reply, err = c.Call(ctx, auth)
	if reply != nil {
		if noaccess, _ := reply.Int("noaccess"); noaccess != 0 {
			c.logger.Info("access denied", "username", username)
			return false, nil
		}
	}
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.state == StateOpen {
		c.setStateLocked(StateReady)
	}
	c.mu.Unlock()

	c.logger.Info("authenticated", "username", username, "server_name", info.ServerName)
	c.afterAuthenticate()
	return true, nil
}

// afterAuthenticate issues the informational requests that follow a
// successful handshake. Their failures are logged only.
func (c *Conn) afterAuthenticate() {
	err := c.Send(NewRequest("getDiskSpace"), func(reply *Message, err error) {
		if err != nil {
			c.logger.Debug("getDiskSpace failed", "error", err)
			return
		}
		free, _ := reply.Int("freediskspace")
		total, _ := reply.Int("totaldiskspace")
		c.infoMu.Lock()
		c.info.FreeDiskSpace = free
		c.info.TotalDiskSpace = total
		c.infoMu.Unlock()
	})
	if err != nil {
		c.logger.Debug("getDiskSpace not sent", "error", err)
	}

	if !c.opts.asyncMetadata {
		return
	}
	err = c.Send(NewRequest("enableAsyncMetadata").SetInt("epg", 1), func(reply *Message, err error) {
		if err != nil {
			c.logger.Warn("enableAsyncMetadata failed", "error", err)
			return
		}
		if text, ok := reply.String(FieldError); ok {
			c.logger.Warn("enableAsyncMetadata refused", "error", text)
		}
	})
	if err != nil {
		c.logger.Warn("enableAsyncMetadata not sent", "error", err)
	}
}

// ServerInfo returns what the server announced during the last handshake.
func (c *Conn) ServerInfo() ServerInfo {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	info := c.info
	info.Capabilities = append([]string(nil), c.info.Capabilities...)
	return info
}

func parseHello(reply *Message, clientVersion int64) ServerInfo {
	var info ServerInfo
	info.ServerProtocolVersion, _ = reply.Int("htspversion")
	info.ServerName, _ = reply.String("servername")
	info.ServerVersion, _ = reply.String("serverversion")
	info.WebRoot, _ = reply.String("webroot")

	info.ProtocolVersion = clientVersion
	if info.ServerProtocolVersion > 0 && info.ServerProtocolVersion < clientVersion {
		info.ProtocolVersion = info.ServerProtocolVersion
	}

	if caps, ok := reply.List("servercapability"); ok {
		for _, v := range caps {
			if s, ok := v.(string); ok {
				info.Capabilities = append(info.Capabilities, s)
			}
		}
	}
	return info
}
