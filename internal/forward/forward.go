// Package forward republishes unsolicited HTSP server messages on NATS.
//
// Each event is published as JSON on <prefix>.<method>, so consumers can
// subscribe to htsp.events.> or to a single method such as
// htsp.events.channelAdd.
package forward

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/Zereker/htsp"
	"github.com/Zereker/htsp/internal/logging"
)

// Event is the JSON payload published for every server message.
type Event struct {
	Method     string         `json:"method"`
	Session    string         `json:"session,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	Fields     map[string]any `json:"fields"`
}

// Forwarder publishes events to NATS.
type Forwarder struct {
	nc      *nats.Conn
	prefix  string
	session atomic.Value // string

	published atomic.Uint64
	failed    atomic.Uint64
}

// Connect dials NATS at url and returns a Forwarder owning the connection.
func Connect(url, prefix string, opts ...nats.Option) (*Forwarder, error) {
	opts = append([]nats.Option{
		nats.Name("htspctl"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return New(nc, prefix), nil
}

// New wraps an existing NATS connection.
func New(nc *nats.Conn, prefix string) *Forwarder {
	f := &Forwarder{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
	f.session.Store("")
	return f
}

// SetSession tags subsequent events with a session identifier.
func (f *Forwarder) SetSession(id string) {
	f.session.Store(id)
}

// Subject returns the subject an event with the given method is published on.
func (f *Forwarder) Subject(method string) string {
	return f.prefix + "." + subjectToken(method)
}

// subjectToken makes method safe as a single NATS subject token.
func subjectToken(method string) string {
	if method == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, method)
}

// Forward publishes msg. It never blocks on the network and has the
// signature of an event listener, so it can be passed to htsp.OnEventOption.
func (f *Forwarder) Forward(msg *htsp.Message) {
	if err := f.Publish(msg, time.Now()); err != nil {
		f.failed.Add(1)
		logging.Warn().Err(err).Str("method", msg.Method()).Msg("event not forwarded")
	}
}

// Publish encodes msg and publishes it.
func (f *Forwarder) Publish(msg *htsp.Message, receivedAt time.Time) error {
	data, err := json.Marshal(Event{
		Method:     msg.Method(),
		Session:    f.session.Load().(string),
		ReceivedAt: receivedAt.UTC(),
		Fields:     msg.ToMap(),
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if err = f.nc.Publish(f.Subject(msg.Method()), data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	f.published.Add(1)
	return nil
}

// Stats returns the number of published and failed events.
func (f *Forwarder) Stats() (published, failed uint64) {
	return f.published.Load(), f.failed.Load()
}

// Flush waits until the NATS server has processed everything published so far.
func (f *Forwarder) Flush(ctx context.Context) error {
	return f.nc.FlushWithContext(ctx)
}

// Close drains pending publishes and closes the connection.
func (f *Forwarder) Close() error {
	return f.nc.Drain()
}
