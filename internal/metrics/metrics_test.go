package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Zereker/htsp"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{htsp.ErrRequestTimeout, OutcomeTimeout},
		{htsp.ErrRequestEvicted, OutcomeEvicted},
		{htsp.ErrConnectionClosed, OutcomeClosed},
		{errors.New("encode: bad value"), OutcomeError},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestCollector_Observer(t *testing.T) {
	c := New()

	c.StateChanged(htsp.StateOpen, htsp.StateReady)
	c.FrameSent("hello", 40)
	c.FrameSent("hello", 10)
	c.FrameReceived(100)
	c.EventReceived("channelAdd")
	c.EventReceived("")
	c.RequestDone("hello", 5*time.Millisecond, nil)
	c.RequestDone("getEvents", time.Second, htsp.ErrRequestTimeout)
	c.PendingRequests(3)
	c.ConnectionError(htsp.ErrConnectionClosed)
	c.BreakerStateChanged(2)

	if v := testutil.ToFloat64(c.FramesSent.WithLabelValues("hello")); v != 2 {
		t.Errorf("frames sent = %v, want 2", v)
	}
	if v := testutil.ToFloat64(c.BytesSent); v != 50 {
		t.Errorf("bytes sent = %v, want 50", v)
	}
	if v := testutil.ToFloat64(c.BytesReceived); v != 100 {
		t.Errorf("bytes received = %v, want 100", v)
	}
	if v := testutil.ToFloat64(c.Events.WithLabelValues("unknown")); v != 1 {
		t.Errorf("unknown events = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.PendingGauge); v != 3 {
		t.Errorf("pending = %v, want 3", v)
	}
	if v := testutil.ToFloat64(c.StateGauge); v != float64(htsp.StateReady) {
		t.Errorf("state = %v, want ready", v)
	}
	if v := testutil.ToFloat64(c.Errors); v != 1 {
		t.Errorf("errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.BreakerGauge); v != 2 {
		t.Errorf("breaker = %v, want 2", v)
	}
	if n := testutil.CollectAndCount(c.RequestDuration); n != 2 {
		t.Errorf("request duration series = %d, want 2", n)
	}
}

func TestCollector_SeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.FrameReceived(1)

	if v := testutil.ToFloat64(b.FramesReceived); v != 0 {
		t.Errorf("second collector saw %v frames", v)
	}
}

func TestRouter_Healthz(t *testing.T) {
	c := New()
	srv := httptest.NewServer(NewRouter(c))
	defer srv.Close()

	get := func() (int, healthResponse) {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz: %v", err)
		}
		defer resp.Body.Close()

		var body healthResponse
		if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp.StatusCode, body
	}

	if code, body := get(); code != http.StatusServiceUnavailable || body.State != "closed" {
		t.Errorf("closed: %d %+v", code, body)
	}

	c.StateChanged(htsp.StateOpen, htsp.StateReady)
	if code, body := get(); code != http.StatusOK || !body.Healthy {
		t.Errorf("ready: %d %+v", code, body)
	}
}

func TestRouter_Metrics(t *testing.T) {
	c := New()
	c.FrameSent("authenticate", 64)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil).WithContext(context.Background())
	rec := httptest.NewRecorder()
	NewRouter(c).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `htsp_frames_sent_total{method="authenticate"} 1`) {
		t.Errorf("metrics output missing frame counter:\n%s", rec.Body.String())
	}
}

func TestCollector_WithConn(t *testing.T) {
	srv, err := htsp.NewServer(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, htsp.ServerHandlerFunc(func(s *htsp.ServerSession, req *htsp.Message) {
		_ = s.Reply(req, htsp.NewMessage().SetInt("time", 1767225600))
	}))

	c := New()
	conn, err := htsp.NewConn(htsp.ObserverOption(c))
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if err = conn.Open(ctx, "127.0.0.1", srv.Addr().(*net.TCPAddr).Port); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err = conn.Call(ctx, htsp.NewRequest("getSysTime")); err != nil {
		t.Fatalf("Call: %v", err)
	}
	_ = conn.Stop()

	if v := testutil.ToFloat64(c.FramesSent.WithLabelValues("getSysTime")); v != 1 {
		t.Errorf("frames sent = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.FramesReceived); v != 1 {
		t.Errorf("frames received = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.PendingGauge); v != 0 {
		t.Errorf("pending = %v, want 0", v)
	}
	if c.State() != htsp.StateClosed {
		t.Errorf("state = %v, want closed", c.State())
	}
	if v := testutil.ToFloat64(c.Errors); v != 0 {
		t.Errorf("errors = %v after Stop, want 0", v)
	}
}

func TestServer_Serve(t *testing.T) {
	c := New()
	s := NewServer("127.0.0.1:0", c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	var addr net.Addr
	select {
	case addr = <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("metrics server not ready")
	}

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
