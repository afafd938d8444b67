// Package metrics exports connection instrumentation to Prometheus.
//
// A Collector implements htsp.Observer and registers its series on its own
// registry, so several collectors can coexist in one process and in tests.
package metrics

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Zereker/htsp"
)

const namespace = "htsp"

// Request outcomes used as the outcome label.
const (
	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeEvicted = "evicted"
	OutcomeClosed  = "closed"
	OutcomeError   = "error"
)

// Collector records connection metrics.
type Collector struct {
	registry *prometheus.Registry

	FramesSent      *prometheus.CounterVec
	BytesSent       prometheus.Counter
	FramesReceived  prometheus.Counter
	BytesReceived   prometheus.Counter
	Events          *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PendingGauge    prometheus.Gauge
	StateGauge      prometheus.Gauge
	Errors          prometheus.Counter
	BreakerGauge    prometheus.Gauge

	state atomic.Int32
}

var _ htsp.Observer = (*Collector)(nil)

// New creates a Collector with a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the socket, by method.",
		}, []string{"method"}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the socket including length prefixes.",
		}),
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from the socket.",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes of decoded frames including length prefixes.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Unsolicited server messages, by method.",
		}, []string{"method"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from send to completion of a request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
		PendingGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests awaiting a reply.",
		}),
		StateGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection state: 0 closed, 1 opening, 2 open, 3 ready.",
		}),
		Errors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Connections terminated by an error.",
		}),
		BreakerGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Connect circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
	}
}

// Registry returns the registry holding the collector's series.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// State returns the last observed connection state.
func (c *Collector) State() htsp.State {
	return htsp.State(c.state.Load())
}

func (c *Collector) StateChanged(_, to htsp.State) {
	c.state.Store(int32(to))
	c.StateGauge.Set(float64(to))
}

func (c *Collector) FrameSent(method string, size int) {
	c.FramesSent.WithLabelValues(methodLabel(method)).Inc()
	c.BytesSent.Add(float64(size))
}

func (c *Collector) FrameReceived(size int) {
	c.FramesReceived.Inc()
	c.BytesReceived.Add(float64(size))
}

func (c *Collector) EventReceived(method string) {
	c.Events.WithLabelValues(methodLabel(method)).Inc()
}

func (c *Collector) RequestDone(method string, d time.Duration, err error) {
	c.RequestDuration.WithLabelValues(methodLabel(method), Outcome(err)).Observe(d.Seconds())
}

func (c *Collector) PendingRequests(n int) {
	c.PendingGauge.Set(float64(n))
}

func (c *Collector) ConnectionError(error) {
	c.Errors.Inc()
}

// BreakerStateChanged records the connect breaker state (0 closed, 1 half-open, 2 open).
func (c *Collector) BreakerStateChanged(state int) {
	c.BreakerGauge.Set(float64(state))
}

// Outcome classifies a request completion error.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, htsp.ErrRequestTimeout):
		return OutcomeTimeout
	case errors.Is(err, htsp.ErrRequestEvicted):
		return OutcomeEvicted
	case errors.Is(err, htsp.ErrConnectionClosed):
		return OutcomeClosed
	default:
		return OutcomeError
	}
}

func methodLabel(method string) string {
	if method == "" {
		return "unknown"
	}
	return method
}
