// Package htsp implements a client for the HTSP binary live-TV protocol.
// It frames length-prefixed messages over a single persistent TCP connection,
// pipelines socket I/O through four goroutines, and correlates asynchronous
// replies with their requests by sequence number.
package htsp

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotOpen is returned when sending before Open.
	ErrNotOpen = errors.New("connection not open")
	// ErrInvalidMessage is returned when a nil message is sent.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNilContext is returned when a blocking call is given a nil context.
	ErrNilContext = errors.New("nil context")
)

// Default configuration values.
const (
	defaultBufferSize       = 1024
	defaultMaxPackageLength = 16 * 1024 * 1024
	defaultReadBufferSize   = 64 * 1024
	defaultMaxPending       = 4096
	defaultWriteTimeout     = 10 * time.Second
	defaultDialTimeout      = 10 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	defaultClientName       = "htsp-go"
	defaultClientVersion    = "1.0"
	defaultProtocolVersion  = 34
)

// State is the lifecycle state of a Conn.
type State int32

// Connection states.
const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateReady
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Conn is a client connection to an HTSP server.
//
// A Conn owns one socket per Open call and the four goroutines that move
// bytes between the socket and the application: reader, frame assembler,
// writer and dispatcher. After the connection terminates it may be opened
// again.
type Conn struct {
	opts   options
	logger Logger
	obs    Observer
	dial   dialFunc

	seq atomic.Uint32

	mu      sync.Mutex
	state   State
	gen     *generation
	lastErr error

	infoMu sync.RWMutex
	info   ServerInfo
}

// outbound couples a queued message with its pending request entry.
type outbound struct {
	msg   *Message
	entry *pendingEntry
}

// generation is the per-Open state: socket, buffers, queues and stages.
type generation struct {
	raw     net.Conn
	acc     *Accumulator
	out     *Queue[*outbound]
	in      *Queue[*Message]
	pending *pendingTable
	// callbacks outlives the stages so teardown can fail pending requests.
	callbacks *callbackQueue

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

// NewConn creates an unopened connection with the provided options.
func NewConn(opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	d := &net.Dialer{Timeout: opts.dialTimeout}
	return &Conn{
		opts:   opts,
		logger: opts.logger,
		obs:    opts.observer,
		dial:   d.DialContext,
	}, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.codec == nil {
		opts.codec = BinaryCodec{}
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.observer == nil {
		opts.observer = nopObserver{}
	}
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}
	if opts.inboundBufferSize <= 0 {
		opts.inboundBufferSize = defaultBufferSize
	}
	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}
	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}
	if opts.maxPending <= 0 {
		opts.maxPending = defaultMaxPending
	}
	if opts.heartbeat < 0 {
		opts.heartbeat = 0
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}
	if opts.dialTimeout <= 0 {
		opts.dialTimeout = defaultDialTimeout
	}
	if opts.requestTimeout < 0 {
		opts.requestTimeout = 0
	} else if opts.requestTimeout == 0 {
		opts.requestTimeout = defaultRequestTimeout
	}
	if opts.clientName == "" {
		opts.clientName = defaultClientName
	}
	if opts.clientVersion == "" {
		opts.clientVersion = defaultClientVersion
	}
	if opts.protocolVersion <= 0 {
		opts.protocolVersion = defaultProtocolVersion
	}
	return nil
}

// Open connects to host:port and starts the connection goroutines.
// It is a no-op while the connection is already opening or open.
// A connect failure is reported to the error listener and returned.
func (c *Conn) Open(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateOpening)
	c.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	raw, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		err = errors.Wrapf(err, "dial %s", addr)
		c.mu.Lock()
		c.lastErr = err
		c.setStateLocked(StateClosed)
		c.mu.Unlock()

		c.logger.Info("connect failed", "addr", addr, "error", err)
		c.obs.ConnectionError(err)
		c.reportError(err)
		return err
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	g := c.newGeneration(raw)

	c.mu.Lock()
	if c.state != StateOpening {
		// stopped while dialing
		c.mu.Unlock()
		g.cancel()
		_ = raw.Close()
		return ErrConnectionClosed
	}
	c.gen = g
	c.lastErr = nil
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	c.logger.Info("connection established", "addr", raw.RemoteAddr())
	c.logger.Debug("connection options", "addr", raw.RemoteAddr(),
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength,
		"request_timeout", c.opts.requestTimeout,
		"max_pending", c.opts.maxPending)

	go c.run(g)
	return nil
}

func (c *Conn) newGeneration(raw net.Conn) *generation {
	ctx, cancel := context.WithCancel(context.Background())
	g := &generation{
		raw:       raw,
		acc:       NewAccumulator(),
		out:       NewQueue[*outbound](c.opts.bufferSize),
		in:        NewQueue[*Message](c.opts.inboundBufferSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		callbacks: newCallbackQueue(),
	}
	g.pending = newPendingTable(c.opts.maxPending, c.opts.requestTimeout, func(e *pendingEntry) {
		c.logger.Debug("request timed out", "seq", e.seq, "method", e.method)
		c.finish(g, e, nil, ErrRequestTimeout)
	})
	return g
}

// run starts the four stages and blocks until all of them have returned.
// The callback goroutine is not part of the group: it keeps delivering
// after the stages exit and never delays them.
func (c *Conn) run(g *generation) {
	go g.callbacks.run()

	group, child := errgroup.WithContext(g.ctx)

	// blocking socket calls only return once the socket is closed
	stopClose := context.AfterFunc(child, func() {
		_ = g.raw.Close()
	})
	defer stopClose()

	group.Go(func() error {
		return c.readLoop(child, g)
	})

	group.Go(func() error {
		return c.assembleLoop(child, g)
	})

	group.Go(func() error {
		return c.writeLoop(child, g)
	})

	group.Go(func() error {
		return c.dispatchLoop(child, g)
	})

	err := group.Wait()
	g.cancel()
	c.teardown(g, err)
}

// teardown releases the generation resources and fails outstanding requests.
func (c *Conn) teardown(g *generation, err error) {
	_ = g.raw.Close()
	g.out.Close()
	g.in.Close()
	g.acc.Close()

	if n := len(g.out.Drain()); n > 0 {
		c.logger.Debug("discarding unsent messages", "count", n)
	}

	if g.stopped.Load() || errors.Is(err, context.Canceled) {
		err = nil
	}

	for _, e := range g.pending.drain() {
		c.finish(g, e, nil, ErrConnectionClosed)
	}
	g.callbacks.close()

	c.mu.Lock()
	if c.gen == g {
		c.gen = nil
		c.lastErr = err
		c.setStateLocked(StateClosed)
	}
	c.mu.Unlock()

	close(g.done)

	if err != nil {
		c.logger.Info("connection closed with error", "addr", g.raw.RemoteAddr(), "error", err)
		c.obs.ConnectionError(err)
		c.reportError(err)
	} else {
		c.logger.Info("connection closed", "addr", g.raw.RemoteAddr())
	}
}

// Stop gracefully closes the connection and waits for its goroutines to exit.
// Outstanding requests fail with ErrConnectionClosed. Safe to call multiple
// times and from any goroutine, including response handlers and event
// listeners. Callbacks queued before Stop may still be running when it returns.
func (c *Conn) Stop() error {
	c.mu.Lock()
	g := c.gen
	if g == nil {
		if c.state == StateOpening {
			c.setStateLocked(StateClosed)
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	g.stopped.Store(true)
	g.cancel()
	<-g.done
	return nil
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel closed when the current connection terminates.
// When the connection is not open the returned channel is already closed.
func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.gen.done
}

// Err returns the error that terminated the last connection, or nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Addr returns the remote address of the connection, or nil when closed.
func (c *Conn) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == nil {
		return nil
	}
	return c.gen.raw.RemoteAddr()
}

// Pending returns the number of requests awaiting a reply.
func (c *Conn) Pending() int {
	c.mu.Lock()
	g := c.gen
	c.mu.Unlock()
	if g == nil {
		return 0
	}
	return g.pending.len()
}

// Send assigns the next sequence number to msg, registers handler for the
// reply and queues msg for transmission without blocking.
//
// Returns:
//   - nil: message was queued; handler will be called exactly once
//   - ErrBufferFull: outbound queue is full, message was NOT queued
//   - ErrNotOpen: connection is not open
//   - ErrConnectionClosed: connection terminated
//
// A nil handler discards the reply.
func (c *Conn) Send(msg *Message, handler ResponseHandler) error {
	_, _, err := c.send(nil, msg, handler)
	return err
}

// SendContext is like Send but blocks while the outbound queue is full,
// until ctx is done.
func (c *Conn) SendContext(ctx context.Context, msg *Message, handler ResponseHandler) error {
	if ctx == nil {
		return ErrNilContext
	}
	_, _, err := c.send(ctx, msg, handler)
	return err
}

// send queues msg; a nil ctx selects the non-blocking path.
func (c *Conn) send(ctx context.Context, msg *Message, handler ResponseHandler) (*generation, *pendingEntry, error) {
	return c.sendEntry(ctx, msg, handler, false)
}

// sendEntry queues msg. An inline handler runs directly on the goroutine
// that completes the request and must never block.
func (c *Conn) sendEntry(ctx context.Context, msg *Message, handler ResponseHandler, inline bool) (*generation, *pendingEntry, error) {
	if msg == nil {
		return nil, nil, ErrInvalidMessage
	}

	g, err := c.current()
	if err != nil {
		return nil, nil, err
	}

	seq := c.seq.Add(1)
	msg.SetInt(FieldSeq, int64(seq))
	e := &pendingEntry{
		seq:     seq,
		method:  msg.Method(),
		handler: handler,
		inline:  inline,
		sentAt:  time.Now(),
	}

	for _, old := range g.pending.add(e) {
		c.logger.Warn("evicting unanswered request", "seq", old.seq, "method", old.method)
		c.finish(g, old, nil, ErrRequestEvicted)
	}
	c.obs.PendingRequests(g.pending.len())

	ob := &outbound{msg: msg, entry: e}
	if ctx == nil {
		err = g.out.Offer(ob)
	} else {
		err = g.out.Enqueue(ctx, ob)
	}
	if err != nil {
		if !g.pending.takeEntry(e) {
			// already failed by teardown; the handler has been told
			return g, e, nil
		}
		e.stopTimer()
		c.obs.PendingRequests(g.pending.len())
		if errors.Is(err, ErrQueueClosed) {
			err = ErrConnectionClosed
		}
		return nil, nil, err
	}
	return g, e, nil
}

// current returns the live generation.
func (c *Conn) current() (*generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == nil {
		return nil, ErrNotOpen
	}
	return c.gen, nil
}

// finish completes a pending request that has already been removed from the
// table. Caller handlers are queued for the callback goroutine.
func (c *Conn) finish(g *generation, e *pendingEntry, reply *Message, err error) {
	c.obs.RequestDone(e.method, time.Since(e.sentAt), err)
	c.obs.PendingRequests(g.pending.len())
	e.stopTimer()
	if e.handler == nil {
		return
	}
	if e.inline {
		e.complete(reply, err)
		return
	}
	g.callbacks.push(func() { e.complete(reply, err) })
}

// Call sends msg and waits for its reply, ctx cancellation, or the request timeout.
// A reply carrying an error field is returned together with a *ServerError.
// Replies to Call are not held up by slow response handlers or event listeners.
func (c *Conn) Call(ctx context.Context, msg *Message) (*Message, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	type result struct {
		reply *Message
		err   error
	}
	ch := make(chan result, 1)

	g, e, err := c.sendEntry(ctx, msg, func(reply *Message, err error) {
		ch <- result{reply, err}
	}, true)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, errors.Wrapf(res.err, "%s", msg.Method())
		}
		if text, ok := res.reply.String(FieldError); ok {
			return res.reply, &ServerError{Method: msg.Method(), Message: text}
		}
		return res.reply, nil
	case <-ctx.Done():
		if g.pending.takeEntry(e) {
			e.stopTimer()
			c.obs.PendingRequests(g.pending.len())
		}
		return nil, ctx.Err()
	}
}

// reportError forwards a terminal connection error to the error listener.
func (c *Conn) reportError(err error) {
	if c.opts.onError != nil {
		c.opts.onError(err)
	}
}

// setStateLocked transitions the state; c.mu must be held.
func (c *Conn) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.obs.StateChanged(from, to)
}

// readLoop continuously reads from the socket into the accumulator.
// Returns when the context is canceled or the socket fails.
func (c *Conn) readLoop(ctx context.Context, g *generation) error {
	buf := make([]byte, c.opts.readBufferSize)
	for {
		if c.opts.heartbeat > 0 {
			_ = g.raw.SetReadDeadline(time.Now().Add(c.opts.heartbeat))
		}

		n, err := g.raw.Read(buf)
		if n > 0 {
			if aerr := g.acc.Append(buf[:n]); aerr != nil {
				return aerr
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("read error", "addr", g.raw.RemoteAddr(), "error", err)
			if err == io.EOF {
				return errors.Wrap(ErrConnectionClosed, "closed by server")
			}
			return errors.Wrap(err, "read")
		}
	}
}

// assembleLoop extracts one length-prefixed frame at a time from the
// accumulator, decodes it and queues it for dispatch. A frame that cannot be
// decoded is fatal since the following frame boundaries cannot be trusted.
func (c *Conn) assembleLoop(ctx context.Context, g *generation) error {
	for {
		header, err := g.acc.Peek(ctx, HeaderSize)
		if err != nil {
			return err
		}
		n, err := FrameLength(header)
		if err != nil {
			return err
		}
		if n > c.opts.maxReadLength {
			return errors.Wrapf(ErrFrameTooLarge, "frame of %d bytes exceeds %d", n, c.opts.maxReadLength)
		}

		frame, err := g.acc.Consume(ctx, HeaderSize+n)
		if err != nil {
			return err
		}

		msg, err := c.opts.codec.Decode(frame[HeaderSize:])
		if err != nil {
			c.logger.Debug("decode error", "addr", g.raw.RemoteAddr(), "error", err)
			return errors.Wrap(err, "decode frame")
		}
		c.obs.FrameReceived(len(frame))

		if err = g.in.Enqueue(ctx, msg); err != nil {
			return err
		}
	}
}

// writeLoop continuously sends queued messages to the socket in queue order.
func (c *Conn) writeLoop(ctx context.Context, g *generation) error {
	for {
		ob, err := g.out.Dequeue(ctx)
		if err != nil {
			return err
		}

		data, err := c.opts.codec.Encode(ob.msg)
		if err != nil {
			// nothing reached the socket, so the stream is still in sync
			c.logger.Warn("encode error", "seq", ob.entry.seq, "method", ob.entry.method, "error", err)
			if g.pending.takeEntry(ob.entry) {
				c.finish(g, ob.entry, nil, errors.Wrap(err, "encode"))
			}
			continue
		}

		if err = c.write(g, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.obs.FrameSent(ob.entry.method, len(data))
	}
}

// write sends data to the socket with a deadline. A short write is an error.
func (c *Conn) write(g *generation, data []byte) error {
	_ = g.raw.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))

	n, err := g.raw.Write(data)
	if err != nil {
		c.logger.Debug("write error", "addr", g.raw.RemoteAddr(), "error", err)
		return errors.Wrap(err, "write")
	}
	if n != len(data) {
		return errors.Wrapf(io.ErrShortWrite, "wrote %d of %d bytes", n, len(data))
	}
	return nil
}

// dispatchLoop routes replies to their pending handlers and unsolicited
// messages to the event listener. It never runs caller code itself.
func (c *Conn) dispatchLoop(ctx context.Context, g *generation) error {
	for {
		msg, err := g.in.Dequeue(ctx)
		if err != nil {
			return err
		}

		seq, ok := msg.Seq()
		if !ok {
			c.obs.EventReceived(msg.Method())
			if onEvent := c.opts.onEvent; onEvent != nil {
				g.callbacks.push(func() { onEvent(msg) })
			}
			continue
		}

		e := g.pending.take(seq)
		if e == nil {
			c.logger.Warn("dropping reply without pending request", "addr", g.raw.RemoteAddr(), "seq", seq)
			continue
		}
		c.finish(g, e, msg, nil)
	}
}
