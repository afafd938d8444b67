package forward

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/Zereker/htsp"
)

func startNATS(t *testing.T) *server.Server {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("create NATS server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestSubject(t *testing.T) {
	f := New(nil, "htsp.events.")

	tests := map[string]string{
		"channelAdd": "htsp.events.channelAdd",
		"":           "htsp.events.unknown",
		"bad.method": "htsp.events.bad_method",
		"wild*card>": "htsp.events.wild_card_",
		"with space": "htsp.events.with_space",
	}
	for method, want := range tests {
		if got := f.Subject(method); got != want {
			t.Errorf("Subject(%q) = %q, want %q", method, got, want)
		}
	}
}

func TestForwarder_Publish(t *testing.T) {
	ns := startNATS(t)

	sub, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()

	inbox, err := sub.SubscribeSync("htsp.events.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err = sub.Flush(); err != nil {
		t.Fatalf("flush subscriber: %v", err)
	}

	f, err := Connect(ns.ClientURL(), "htsp.events")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer f.Close()
	f.SetSession("6f1c2d9e")

	f.Forward(htsp.NewRequest("channelAdd").
		SetInt("channelId", 7).
		SetString("channelName", "Arte").
		SetBinary("icon", []byte{1, 2, 3}).
		SetList("tags", htsp.List{int64(1), int64(4)}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = f.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	msg, err := inbox.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if msg.Subject != "htsp.events.channelAdd" {
		t.Errorf("subject = %q", msg.Subject)
	}

	var ev Event
	if err = json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Method != "channelAdd" || ev.Session != "6f1c2d9e" {
		t.Errorf("event = %+v", ev)
	}
	if ev.ReceivedAt.IsZero() {
		t.Error("received_at not set")
	}
	if ev.Fields["channelName"] != "Arte" || ev.Fields["channelId"] != float64(7) {
		t.Errorf("fields = %v", ev.Fields)
	}
	if ev.Fields["icon"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
		t.Errorf("binary field = %v", ev.Fields["icon"])
	}
	if tags, ok := ev.Fields["tags"].([]any); !ok || len(tags) != 2 {
		t.Errorf("tags = %v", ev.Fields["tags"])
	}

	if published, failed := f.Stats(); published != 1 || failed != 0 {
		t.Errorf("stats = %d/%d, want 1/0", published, failed)
	}
}

func TestForwarder_PublishAfterClose(t *testing.T) {
	ns := startNATS(t)

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	f := New(nc, "htsp.events")
	nc.Close()

	f.Forward(htsp.NewRequest("channelDelete"))
	if _, failed := f.Stats(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}
