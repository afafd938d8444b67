package htsp

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

func newLoopbackServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := NewServer(addr, append([]ServerOption{ServerLoggerOption(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server
}

func TestNewServer(t *testing.T) {
	server := newLoopbackServer(t)
	defer server.Close()

	if server.listener == nil {
		t.Error("listener is nil")
	}
	if server.Addr() == nil {
		t.Error("Addr returned nil")
	}
	if server.Sessions() != 0 {
		t.Errorf("Sessions = %d, want 0", server.Sessions())
	}
}

func TestNewServer_AddrInUse(t *testing.T) {
	server := newLoopbackServer(t)
	defer server.Close()

	_, err := NewServer(server.Addr().(*net.TCPAddr))
	if err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestServer_Close(t *testing.T) {
	server := newLoopbackServer(t)

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if _, err := server.listener.AcceptTCP(); err == nil {
		t.Error("expected error after close")
	}
}

func TestServer_ServeRepliesWithSeq(t *testing.T) {
	server := newLoopbackServer(t)
	defer server.Close()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, echoHandler)
	}()

	client, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	frame, _ := BinaryCodec{}.Encode(NewRequest("hello").SetInt(FieldSeq, 77))
	if _, err = client.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := ReadFrame(bufio.NewReader(client), BinaryCodec{}, 1024)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if seq, _ := reply.Seq(); seq != 77 {
		t.Errorf("reply seq = %d, want 77", seq)
	}
	if v, _ := reply.String("echo"); v != "hello" {
		t.Errorf("echo = %q, want hello", v)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_TracksSessions(t *testing.T) {
	server := newLoopbackServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer server.Close()

	go server.Serve(ctx, silentHandler)

	const numClients = 5
	clients := make([]net.Conn, numClients)
	for i := range clients {
		c, err := net.Dial("tcp", server.Addr().String())
		if err != nil {
			t.Fatalf("client %d dial failed: %v", i, err)
		}
		clients[i] = c
	}

	waitFor(t, "sessions", func() bool { return server.Sessions() == numClients })

	for _, c := range clients {
		_ = c.Close()
	}
	waitFor(t, "sessions to end", func() bool { return server.Sessions() == 0 })
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	server := newLoopbackServer(t, ServerShutdownTimeoutOption(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, silentHandler)
	}()

	client, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()
	waitFor(t, "session", func() bool { return server.Sessions() == 1 })

	cancel()
	// Close bypasses the shutdown timeout
	_ = server.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err = client.Read(make([]byte, 1)); err == nil {
		t.Error("session still open after shutdown")
	}
}
