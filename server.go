package msgsock

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/encoding"
)

// MessageHandler handles one request and returns the reply. A nil or empty
// reply sends nothing back. An error is logged and the connection goes on
// with the next message.
type MessageHandler func(ctx context.Context, req *Request) ([]byte, error)

// Hooks are the callbacks a Server invokes. Only OnMessage is required.
type Hooks struct {
	// OnStart gates Start. Returning false aborts it before any socket is opened.
	OnStart func(ctx context.Context) bool
	// OnConnect accepts or rejects a new connection and may attach private
	// data to it. conn is a *tls.Conn when TLS is enabled.
	OnConnect func(ctx context.Context, conn net.Conn) (privateData any, ok bool)
	// OnMessage handles requests.
	OnMessage MessageHandler
	// OnDisconnect is called when a connection ends, except during Stop.
	OnDisconnect func(conn *Connection, stats Statistics)
	// OnStop is called once Stop has released every connection.
	OnStop func()
}

// State is the lifecycle state of a Server.
type State int32

// Server states.
const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Server accepts connections and runs a receiver and a processor for each.
type Server struct {
	settings ServerSettings
	hooks    Hooks
	logger   Logger
	metrics  *metrics
	history  *statisticsHistory
	slots    *semaphore.Weighted
	encoding encoding.Encoding

	state       atomic.Int32
	lifecycleMu sync.Mutex

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*Connection

	cancel     context.CancelFunc
	stopOnDone func() bool
	acceptor   *Job
	workers    sync.WaitGroup
}

// New creates a server. Settings are normalized; nothing is opened until Start.
func New(settings ServerSettings, hooks Hooks, opt ...Option) *Server {
	opts := buildOptions(opt...)
	settings = settings.normalize()

	s := &Server{
		settings: settings,
		hooks:    hooks,
		logger:   opts.logger,
		metrics:  newMetrics(opts.registerer, opts.namespace, opts.logger),
		history:  newStatisticsHistory(settings.StatisticsRetention),
		conns:    make(map[string]*Connection),
	}

	if settings.MaxConnections > 0 {
		s.slots = semaphore.NewWeighted(int64(settings.MaxConnections))
	}

	return s
}

// Settings returns the normalized server settings.
func (s *Server) Settings() ServerSettings {
	return s.settings
}

// State returns the lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Addr returns the listener address, or nil when the server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listen port and starts accepting connections. It returns
// once the acceptor runs. Cancelling ctx later stops the server like Stop.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.hooks.OnMessage == nil {
		s.logger.Error("server start rejected", "error", ErrInvalidOnMessage)
		return ErrInvalidOnMessage
	}

	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return ErrAlreadyStarted
	}

	ln, err := s.open(ctx)
	if err != nil {
		s.state.Store(int32(StateIdle))
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.acceptor = StartJob(runCtx, "acceptor", s.settings.Port, func(ctx context.Context, _ *Job) Result {
		return s.acceptLoop(ctx, ln)
	}, LoggerOption(s.logger))
	<-s.acceptor.Started()

	s.state.Store(int32(StateListening))
	s.stopOnDone = context.AfterFunc(ctx, func() {
		_ = s.Stop()
	})

	s.logger.Info("server started", "addr", ln.Addr(),
		"tls", s.settings.UseTLS(),
		"synchronous", s.settings.Synchronous,
		"use_size_header", s.settings.UseSizeHeader())
	return nil
}

// open runs the start gate and binds the listener.
func (s *Server) open(ctx context.Context) (net.Listener, error) {
	enc, err := s.settings.textEncoding()
	if err != nil {
		s.logger.Error("server start rejected", "error", err)
		return nil, err
	}
	s.encoding = enc

	if s.hooks.OnStart != nil && !s.callOnStart(ctx) {
		s.logger.Info("server start rejected by OnStart")
		return nil, ErrStartRejected
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.settings.listenAddress())
	if err != nil {
		s.logger.Error("listen failed", "addr", s.settings.listenAddress(), "error", err)
		return nil, errors.Wrapf(err, "listen %s", s.settings.listenAddress())
	}
	return ln, nil
}

// Stop cancels all pending I/O, closes the listener, stops every connection
// and waits up to StopTimeout for their workers. Workers that do not stop in
// time are logged and left behind.
func (s *Server) Stop() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.state.CompareAndSwap(int32(StateListening), int32(StateStopping)) {
		return ErrNotStarted
	}

	if s.stopOnDone != nil {
		s.stopOnDone()
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("server stopping", "addr", ln.Addr())

	s.cancel()
	_ = ln.Close()

	if r := s.acceptor.WaitTimeout(s.settings.StopTimeout); r == ResultTimeout {
		s.logger.Error("acceptor did not stop in time", "timeout", s.settings.StopTimeout)
	}

	for _, c := range s.Connections() {
		c.Stop()
	}

	if !waitTimeout(&s.workers, s.settings.StopTimeout) {
		s.logger.Error("connection workers did not stop in time, leaving them orphaned",
			"orphaned", s.ConnectionCount(), "timeout", s.settings.StopTimeout)
	}

	if s.hooks.OnStop != nil {
		s.callOnStop()
	}

	s.mu.Lock()
	clear(s.conns)
	s.listener = nil
	s.mu.Unlock()

	s.state.Store(int32(StateIdle))
	s.logger.Info("server stopped", "addr", ln.Addr())
	return nil
}

// waitTimeout waits for wg up to timeout and reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// acceptLoop accepts connections until the listener is closed.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) Result {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.State() == StateStopping || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("acceptor stopped", "addr", ln.Addr())
				return ResultOK
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			s.logger.Error("accept error", "error", err)
			return ResultKO
		}

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.serveConn(ctx, raw)
		}()
	}
}

// serveConn sets up an accepted connection and serves it until it ends.
// Any failure during setup closes only this connection.
func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	logger := loggerWith(s.logger, "addr", raw.RemoteAddr().String())

	if s.slots != nil {
		if !s.slots.TryAcquire(1) {
			logger.Warn("connection rejected: server full", "max_connections", s.settings.MaxConnections)
			s.metrics.connectionRejected()
			_ = raw.Close()
			return
		}
		defer s.slots.Release(1)
	}

	tuneConn(raw, s.settings.ConnectionSettings)

	conn, err := s.handshake(ctx, raw)
	if err != nil {
		logger.Warn("tls handshake failed", "error", err)
		s.metrics.connectionRejected()
		_ = raw.Close()
		return
	}

	privateData, ok := s.callOnConnect(ctx, conn, logger)
	if !ok {
		logger.Info("connection rejected by OnConnect")
		s.metrics.connectionRejected()
		_ = conn.Close()
		return
	}

	stream := newStream(conn, s.settings.ConnectionSettings, s.encoding, logger)
	c := newConnection(ctx, s, stream, privateData, logger)
	if !s.register(c) {
		c.cancel()
		_ = stream.Close()
		return
	}

	c.run()
}

func (s *Server) handshake(ctx context.Context, raw net.Conn) (net.Conn, error) {
	cfg := s.settings.tlsConfig()
	if cfg == nil {
		return raw, nil
	}

	timeout := s.settings.ReceiveTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConn := tls.Server(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, errors.Wrap(err, "tls handshake")
	}
	return tlsConn, nil
}

// register adds c to the live table unless the server is stopping.
func (s *Server) register(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateStopping || c.ctx.Err() != nil {
		return false
	}
	s.conns[c.id] = c
	s.metrics.connectionOpened()
	return true
}

// release records the final statistics of c and removes it from the table.
func (s *Server) release(c *Connection) {
	stats := c.Statistics()
	s.history.add(stats)

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	s.metrics.connectionClosed()

	if s.hooks.OnDisconnect != nil && s.State() != StateStopping {
		s.callOnDisconnect(c, stats)
	}
}

// Connections returns the live connections.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Connection returns the live connection with the given id.
func (s *Server) Connection(id string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[id]
	return c, ok
}

// StopConnection stops one live connection. It reports whether it was found.
func (s *Server) StopConnection(id string) bool {
	c, ok := s.Connection(id)
	if !ok {
		return false
	}
	c.Stop()
	return true
}

// Statistics returns a snapshot of every live connection and of connections
// closed within the retention period, ordered by connect time.
func (s *Server) Statistics() []Statistics {
	byID := make(map[string]Statistics)

	s.mu.Lock()
	for id, c := range s.conns {
		byID[id] = c.Statistics()
	}
	s.mu.Unlock()

	for _, st := range s.history.list() {
		byID[st.ID] = st
	}

	out := make([]Statistics, 0, len(byID))
	for _, st := range byID {
		out = append(out, st)
	}
	sortStatistics(out)
	return out
}

// ConnectionStatistics returns the statistics of one live or recently closed connection.
func (s *Server) ConnectionStatistics(id string) (Statistics, bool) {
	if c, ok := s.Connection(id); ok {
		return c.Statistics(), true
	}
	return s.history.get(id)
}

// ResetStatistics forgets the statistics of closed connections.
func (s *Server) ResetStatistics() {
	s.history.flush()
}

// handle invokes the message handler, turning a panic into an error.
func (s *Server) handle(ctx context.Context, req *Request) (reply []byte, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("message handler panic: %v", r)
		}
		s.metrics.handled(time.Since(start), err != nil)
	}()

	return s.hooks.OnMessage(ctx, req)
}

func (s *Server) callOnStart(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("OnStart panicked", "error", r)
			ok = false
		}
	}()
	return s.hooks.OnStart(ctx)
}

func (s *Server) callOnConnect(ctx context.Context, conn net.Conn, logger Logger) (privateData any, ok bool) {
	if s.hooks.OnConnect == nil {
		return nil, true
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("OnConnect panicked", "error", r)
			privateData, ok = nil, false
		}
	}()
	return s.hooks.OnConnect(ctx, conn)
}

func (s *Server) callOnDisconnect(c *Connection, stats Statistics) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("OnDisconnect panicked", "error", r)
		}
	}()
	s.hooks.OnDisconnect(c, stats)
}

func (s *Server) callOnStop() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("OnStop panicked", "error", r)
		}
	}()
	s.hooks.OnStop()
}
