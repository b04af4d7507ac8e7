package msgsock

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Request is one inbound message handed to the message handler.
type Request struct {
	// Conn is the connection the message arrived on. Handlers may use it to
	// push notifications or to stop the connection.
	Conn    *Connection
	Payload []byte

	// AddSizeHeader selects the framing of the reply. It starts as the
	// server's UseSizeHeader(). Cleared on a size-header server, the reply is
	// written raw; cleared on a line server, the reply is written as a line.
	AddSizeHeader bool
}

// PrivateData returns the value OnConnect attached to the connection.
func (r *Request) PrivateData() any {
	return r.Conn.PrivateData()
}

// Connection is the server side of one accepted client. A receiver goroutine
// reads messages into a queue; a processor goroutine hands them to the
// message handler in order and writes the replies.
type Connection struct {
	id          string
	remoteAddr  string
	connectedAt time.Time

	server      *Server
	settings    ConnectionSettings
	stream      *Stream
	logger      Logger
	privateData any
	limiter     *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	queue [][]byte

	// available holds at most one pending wake-up for the processor.
	available chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	processed chan struct{}
	done      chan struct{}

	stats          counters
	stopRequested  atomic.Bool
	disconnectedAt atomic.Pointer[time.Time]
}

func newConnection(parent context.Context, srv *Server, stream *Stream, privateData any, logger Logger) *Connection {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	c := &Connection{
		id:          id,
		remoteAddr:  stream.Addr().String(),
		connectedAt: time.Now(),
		server:      srv,
		settings:    srv.settings.ConnectionSettings,
		stream:      stream,
		logger:      loggerWith(logger, "conn_id", id),
		privateData: privateData,
		ctx:         ctx,
		cancel:      cancel,
		available:   make(chan struct{}, 1),
		stop:        make(chan struct{}),
		processed:   make(chan struct{}),
		done:        make(chan struct{}),
	}

	if mps := srv.settings.MaxMessagesPerSecond; mps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(mps), max(1, int(mps)))
	}

	return c
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the remote endpoint.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// ConnectedAt returns the time the connection was accepted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// PrivateData returns the value OnConnect attached to the connection.
func (c *Connection) PrivateData() any { return c.privateData }

// Conn returns the transport, a *tls.Conn when TLS is enabled.
func (c *Connection) Conn() net.Conn { return c.stream.Conn() }

// StopRequested reports whether the peer sent the stop sentinel.
func (c *Connection) StopRequested() bool { return c.stopRequested.Load() }

// Done is closed once both workers have exited and the connection is released.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Statistics returns a snapshot of the connection counters.
func (c *Connection) Statistics() Statistics {
	s := Statistics{
		ID:          c.id,
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.connectedAt,
	}
	c.stats.fill(&s)
	if t := c.disconnectedAt.Load(); t != nil {
		s.DisconnectedAt = *t
	}
	return s
}

// SendNotification writes payload to the peer outside the request/reply
// flow, using the connection framing. It may be called from the message
// handler before it returns its reply.
func (c *Connection) SendNotification(ctx context.Context, payload []byte) error {
	if err := c.write(ctx, payload, c.settings.UseSizeHeader()); err != nil {
		c.logger.Warn("notification failed", "error", err)
		return err
	}
	c.stats.sent(len(payload))
	c.server.metrics.sent(len(payload))
	return nil
}

// Stop aborts pending I/O, closes the stream and stops both workers.
// Messages still queued are dropped.
func (c *Connection) Stop() {
	c.cancel()
	_ = c.stream.Close()
	c.signalStop()
}

func (c *Connection) signalStop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// run serves the connection until both workers exit, then releases it.
func (c *Connection) run() {
	defer close(c.done)

	c.logger.Info("connection established", "addr", c.remoteAddr)
	c.logger.Debug("connection options",
		"size_header", c.settings.SizeHeader(),
		"use_size_header", c.settings.UseSizeHeader(),
		"synchronous", c.server.settings.Synchronous,
		"receive_timeout", c.settings.ReceiveTimeout)

	var group errgroup.Group
	group.Go(c.receiveLoop)
	if c.server.settings.Synchronous {
		close(c.processed)
	} else {
		group.Go(c.processLoop)
	}

	err := group.Wait()
	c.cancel()
	_ = c.stream.Close()
	c.clearQueue()

	now := time.Now()
	c.disconnectedAt.Store(&now)

	if err != nil {
		c.logger.Info("connection closed with error", "addr", c.remoteAddr, "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.remoteAddr)
	}

	c.server.release(c)
}

// recoverWorker turns a panic in a connection worker into an error and stops
// the connection. Other connections keep running.
func (c *Connection) recoverWorker(name string, err *error) {
	r := recover()
	if r == nil {
		return
	}

	c.logger.Error("connection worker panicked", "worker", name, "panic", r)
	*err = errors.Errorf("%s panic: %v", name, r)
	c.Stop()
}

// receiveLoop reads messages until the peer disconnects, sends the stop
// sentinel or the connection is stopped. Orderly endings return nil.
func (c *Connection) receiveLoop() (err error) {
	defer c.signalStop()
	defer c.recoverWorker("receiver", &err)

	for {
		msg, err := c.receive()
		if err != nil {
			return c.receiveError(err)
		}

		if isSentinel(msg, SentinelStop) {
			if c.server.State() == StateStopping {
				c.logger.Info("stop request refused, server stopping")
				if err := c.write(c.ctx, []byte{SentinelNak}, c.settings.UseSizeHeader()); err != nil {
					c.logger.Warn("stop refusal failed", "error", err)
				}
				continue
			}
			c.acknowledgeStop()
			return nil
		}

		if len(msg) == 0 {
			c.logger.Debug("empty message, closing")
			return nil
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(c.ctx); err != nil {
				return nil
			}
		}

		if c.server.settings.Synchronous {
			c.process(msg)
			continue
		}
		c.enqueue(msg)
	}
}

// acknowledgeStop waits for the processor to finish the queued messages, then
// writes the ACK so that it is the last frame the peer receives.
func (c *Connection) acknowledgeStop() {
	c.stopRequested.Store(true)
	c.logger.Info("stop requested by peer")
	c.signalStop()

	select {
	case <-c.processed:
	case <-c.ctx.Done():
		return
	}

	if err := c.write(c.ctx, []byte{SentinelAck}, c.settings.UseSizeHeader()); err != nil {
		c.logger.Warn("stop acknowledgement failed", "error", err)
	}
}

func (c *Connection) receive() ([]byte, error) {
	if !c.settings.UseSizeHeader() {
		line, err := c.stream.ReceiveLine(c.ctx, c.settings.eot())
		return []byte(line), err
	}
	msg, _, err := c.stream.Receive(c.ctx)
	return msg, err
}

// receiveError classifies a receive failure. Disconnects, timeouts and stops
// end the connection quietly; anything else is reported.
func (c *Connection) receiveError(err error) error {
	if c.ctx.Err() != nil {
		return nil
	}

	if isDisconnect(err) {
		c.logger.Info("peer disconnected", "reason", err)
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Info("receive timeout", "timeout", c.settings.ReceiveTimeout)
		return nil
	}

	c.logger.Warn("receive failed", "error", err)
	return err
}

// isDisconnect reports transport errors that mean the peer went away.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

// processLoop waits for queued messages or a stop. A stop from the receiver
// drains what is already queued; a cancelled connection exits at once.
func (c *Connection) processLoop() (err error) {
	defer close(c.processed)
	defer c.recoverWorker("processor", &err)

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-c.available:
			c.drain()
		case <-c.stop:
			c.drain()
			return nil
		}
	}
}

func (c *Connection) drain() {
	for c.ctx.Err() == nil {
		msg, ok := c.dequeue()
		if !ok {
			return
		}
		c.process(msg)
	}
}

// process hands one message to the handler and writes the reply.
func (c *Connection) process(msg []byte) {
	c.stats.received(len(msg))
	c.server.metrics.received(len(msg))

	req := &Request{
		Conn:          c,
		Payload:       msg,
		AddSizeHeader: c.settings.UseSizeHeader(),
	}

	reply, err := c.server.handle(c.ctx, req)
	if err != nil {
		c.logger.Warn("message handler failed", "error", err)
		return
	}
	if len(reply) == 0 {
		return
	}

	if err := c.write(c.ctx, reply, req.AddSizeHeader); err != nil {
		c.logger.Warn("send reply failed", "error", err)
		return
	}
	c.stats.sent(len(reply))
	c.server.metrics.sent(len(reply))
}

// write sends payload with a size header when addSizeHeader is set, raw on a
// size-header connection otherwise, and as a line on a line connection.
func (c *Connection) write(ctx context.Context, payload []byte, addSizeHeader bool) error {
	switch {
	case addSizeHeader:
		return c.stream.send(ctx, payload, true)
	case c.settings.UseSizeHeader():
		return c.stream.SendRaw(ctx, payload)
	default:
		return c.stream.SendLine(ctx, string(payload), c.settings.eot())
	}
}

func (c *Connection) enqueue(msg []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.available <- struct{}{}:
	default:
	}
}

func (c *Connection) dequeue() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return nil, false
	}
	msg := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return msg, true
}

func (c *Connection) clearQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.queue); n > 0 {
		c.logger.Debug("dropping queued messages", "count", n)
	}
	c.queue = nil
}
