package htsp

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestDigest(t *testing.T) {
	challenge := make([]byte, 32)
	for i := range challenge {
		challenge[i] = byte(i)
	}

	tests := []struct {
		password  string
		challenge []byte
		want      string
	}{
		{"pass", challenge, "9b80706b28d995785dc4084ad4f0bc9e488d791b"},
		{"secret", []byte("challenge"), "39b84aaccb5ee661b5b4981949aa3f6e333c3a9a"},
	}

	for _, tt := range tests {
		got := hex.EncodeToString(Digest(tt.password, tt.challenge))
		if got != tt.want {
			t.Errorf("Digest(%q) = %s, want %s", tt.password, got, tt.want)
		}
	}
}

// fakeBackend answers the handshake the way a TVHeadend server does.
type fakeBackend struct {
	username  string
	password  string
	challenge []byte
	noHello   bool // omit the challenge

	mu      sync.Mutex
	methods []string
}

func newFakeBackend(username, password string) *fakeBackend {
	return &fakeBackend{
		username:  username,
		password:  password,
		challenge: bytes.Repeat([]byte{0xab}, 32),
	}
}

func (b *fakeBackend) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.methods...)
}

func (b *fakeBackend) ServeHTSP(s *ServerSession, req *Message) {
	b.mu.Lock()
	b.methods = append(b.methods, req.Method())
	b.mu.Unlock()

	switch req.Method() {
	case "hello":
		reply := NewMessage().
			SetInt("htspversion", 25).
			SetString("servername", "HTS Tvheadend").
			SetString("serverversion", "4.2.8").
			SetList("servercapability", List{"timeshift", "imagecache"}).
			SetString("webroot", "/tv")
		if !b.noHello {
			reply.SetBinary("challenge", b.challenge)
		}
		_ = s.Reply(req, reply)
	case "authenticate":
		user, _ := req.String("username")
		digest, _ := req.Binary("digest")
		if user != b.username || !bytes.Equal(digest, Digest(b.password, b.challenge)) {
			_ = s.Reply(req, NewMessage().SetInt("noaccess", 1))
			return
		}
		_ = s.Reply(req, NewMessage())
	case "getDiskSpace":
		_ = s.Reply(req, NewMessage().
			SetInt("freediskspace", 1000).
			SetInt("totaldiskspace", 4000))
	case "enableAsyncMetadata":
		_ = s.Reply(req, NewMessage())
		_ = s.Push(NewRequest("initialSyncCompleted"))
	default:
		_ = s.Reply(req, NewMessage().SetString(FieldError, "Method not found"))
	}
}

func TestAuthenticate_Success(t *testing.T) {
	backend := newFakeBackend("admin", "secret")
	srv := startTestServer(t, backend)

	events := make(chan *Message, 4)
	conn := openTestConn(t, srv,
		ClientOption("test-client", "0.1"),
		AsyncMetadataOption(true),
		OnEventOption(func(m *Message) { events <- m }))

	ok, err := conn.Authenticate(context.Background(), "admin", "secret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if !ok {
		t.Fatal("Authenticate denied valid credentials")
	}
	if conn.State() != StateReady {
		t.Errorf("State = %v, want ready", conn.State())
	}

	info := conn.ServerInfo()
	if info.ServerName != "HTS Tvheadend" || info.ServerVersion != "4.2.8" {
		t.Errorf("server = %s %s", info.ServerName, info.ServerVersion)
	}
	if info.ProtocolVersion != 25 || info.ServerProtocolVersion != 25 {
		t.Errorf("protocol version = %d (server %d), want 25", info.ProtocolVersion, info.ServerProtocolVersion)
	}
	if !info.HasCapability("imagecache") || info.HasCapability("anonymous") {
		t.Errorf("capabilities = %v", info.Capabilities)
	}
	if info.WebRoot != "/tv" {
		t.Errorf("webroot = %q", info.WebRoot)
	}

	waitFor(t, "disk space", func() bool { return conn.ServerInfo().TotalDiskSpace == 4000 })
	if free := conn.ServerInfo().FreeDiskSpace; free != 1000 {
		t.Errorf("free disk space = %d, want 1000", free)
	}

	select {
	case ev := <-events:
		if ev.Method() != "initialSyncCompleted" {
			t.Errorf("event = %q", ev.Method())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async metadata event not received")
	}

	methods := backend.seen()
	want := []string{"hello", "authenticate", "getDiskSpace", "enableAsyncMetadata"}
	if len(methods) != len(want) {
		t.Fatalf("methods = %v, want %v", methods, want)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Errorf("methods = %v, want %v", methods, want)
			break
		}
	}
}

func TestAuthenticate_Denied(t *testing.T) {
	srv := startTestServer(t, newFakeBackend("admin", "secret"))
	conn := openTestConn(t, srv)

	ok, err := conn.Authenticate(context.Background(), "admin", "wrong")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if ok {
		t.Error("Authenticate accepted a wrong password")
	}
	if conn.State() != StateOpen {
		t.Errorf("State = %v, want open", conn.State())
	}
}

func TestAuthenticate_NoChallenge(t *testing.T) {
	backend := newFakeBackend("admin", "secret")
	backend.noHello = true
	srv := startTestServer(t, backend)
	conn := openTestConn(t, srv)

	_, err := conn.Authenticate(context.Background(), "admin", "secret")
	if err != ErrNoChallenge {
		t.Errorf("Authenticate = %v, want ErrNoChallenge", err)
	}
}

func TestAuthenticate_NotOpen(t *testing.T) {
	conn, _ := NewConn(LoggerOption(quietLogger()))

	_, err := conn.Authenticate(context.Background(), "admin", "secret")
	if err != ErrNotOpen {
		t.Errorf("Authenticate = %v, want ErrNotOpen", err)
	}
}

func TestAuthenticate_UnknownMethodIsServerError(t *testing.T) {
	srv := startTestServer(t, newFakeBackend("admin", "secret"))
	conn := openTestConn(t, srv)

	_, err := conn.Call(context.Background(), NewRequest("getTicket"))
	var serr *ServerError
	if !errors.As(err, &serr) || serr.Message != "Method not found" {
		t.Errorf("Call = %v, want ServerError", err)
	}
}

func TestParseHello_NegotiatesLowerVersion(t *testing.T) {
	info := parseHello(NewMessage().SetInt("htspversion", 40), 34)
	if info.ProtocolVersion != 34 {
		t.Errorf("ProtocolVersion = %d, want 34", info.ProtocolVersion)
	}

	info = parseHello(NewMessage(), 34)
	if info.ProtocolVersion != 34 {
		t.Errorf("ProtocolVersion without server version = %d, want 34", info.ProtocolVersion)
	}
}

func TestServerBroadcast_DeliveredOnce(t *testing.T) {
	srv := startTestServer(t, newFakeBackend("admin", "secret"))

	events := make(chan *Message, 4)
	conn := openTestConn(t, srv, OnEventOption(func(m *Message) { events <- m }))

	if ok, err := conn.Authenticate(context.Background(), "admin", "secret"); !ok || err != nil {
		t.Fatalf("Authenticate = %v, %v", ok, err)
	}

	srv.Broadcast(NewRequest("channelUpdate").SetInt("channelId", 5))

	select {
	case ev := <-events:
		if id, _ := ev.Int("channelId"); ev.Method() != "channelUpdate" || id != 5 {
			t.Errorf("event = %v", ev.ToMap())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not received")
	}

	select {
	case ev := <-events:
		t.Errorf("duplicate event %v", ev.ToMap())
	case <-time.After(50 * time.Millisecond):
	}
}
