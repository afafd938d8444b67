package htsp

import (
	"time"
)

// options holds the configuration for a connection.
type options struct {
	codec    Codec
	logger   Logger
	observer Observer

	// onEvent receives unsolicited messages (no seq).
	onEvent func(*Message)
	// onError receives the terminal error of a connection, once per Open.
	onError func(error)

	bufferSize        int           // capacity of the outbound queue
	inboundBufferSize int           // capacity of the inbound queue
	maxReadLength     int           // maximum size of a single frame body
	readBufferSize    int           // socket read scratch buffer
	maxPending        int           // bound of the pending request table
	heartbeat         time.Duration // read idle deadline, 0 disables
	writeTimeout      time.Duration
	dialTimeout       time.Duration
	requestTimeout    time.Duration

	clientName      string
	clientVersion   string
	protocolVersion int64
	asyncMetadata   bool
}

// Option is a function that configures connection options.
type Option func(*options)

// CustomCodecOption returns an Option that sets the message codec.
// The binary HTSP codec is used when none is given.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption returns an Option that sets the capacity of the outbound queue.
// A larger buffer allows more messages to be queued before Send reports ErrBufferFull.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// InboundBufferSizeOption returns an Option that sets the capacity of the
// queue between frame assembly and dispatch.
func InboundBufferSizeOption(size int) Option {
	return func(o *options) {
		o.inboundBufferSize = size
	}
}

// ReadBufferSizeOption sets the size of the socket read scratch buffer.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the read idle deadline.
// The connection fails when nothing is received for this long. Zero disables it.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// MessageMaxSize returns an Option that sets the maximum frame body size.
// Larger frames are a protocol error and close the connection.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// MaxPendingOption bounds the number of unanswered requests.
// When the bound is reached the oldest request fails with ErrRequestEvicted.
func MaxPendingOption(n int) Option {
	return func(o *options) {
		o.maxPending = n
	}
}

// WriteTimeoutOption sets the deadline for writing a single frame.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// DialTimeoutOption sets the TCP connect timeout.
func DialTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// RequestTimeoutOption sets how long a request may wait for its reply.
// A negative duration disables request timeouts; zero selects the default.
func RequestTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.requestTimeout = d
	}
}

// ClientOption sets the client identity announced in hello.
func ClientOption(name, version string) Option {
	return func(o *options) {
		o.clientName = name
		o.clientVersion = version
	}
}

// ProtocolVersionOption sets the protocol version announced in hello.
func ProtocolVersionOption(v int64) Option {
	return func(o *options) {
		o.protocolVersion = v
	}
}

// AsyncMetadataOption enables enableAsyncMetadata after a successful authentication.
func AsyncMetadataOption(enabled bool) Option {
	return func(o *options) {
		o.asyncMetadata = enabled
	}
}

// OnEventOption returns an Option that sets the listener for unsolicited messages.
// The callback runs on the connection's callback goroutine, after response
// handlers queued before it, and may call Stop.
func OnEventOption(cb func(*Message)) Option {
	return func(o *options) {
		o.onEvent = cb
	}
}

// OnErrorOption returns an Option that sets the error listener.
// It is invoked once with the error that terminated a connection.
// It is not invoked when the connection was closed with Stop.
func OnErrorOption(cb func(error)) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ObserverOption sets the instrumentation hook.
func ObserverOption(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}
