package msgsock

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
)

// Client opens framed streams to a server.
//
// Connect returns a persistent Stream. The Send, Receive and SendReceive
// families connect, run one exchange and disconnect. SendAsync does the same on
// a background Job.
type Client struct {
	settings ClientSettings
	encoding encoding.Encoding
	logger   Logger
}

// NewClient returns a client for settings. It fails when the text encoding is
// unknown; the address is checked on every Connect.
func NewClient(settings ClientSettings, opt ...Option) (*Client, error) {
	settings.ConnectionSettings = settings.ConnectionSettings.withDefaults()
	if settings.ConnectTimeout <= 0 {
		settings.ConnectTimeout = DefaultConnectTimeout
	}

	enc, err := settings.textEncoding()
	if err != nil {
		return nil, err
	}

	opts := buildOptions(opt...)
	return &Client{
		settings: settings,
		encoding: enc,
		logger:   opts.logger,
	}, nil
}

// Settings returns the client settings with defaults applied.
func (c *Client) Settings() ClientSettings {
	return c.settings
}

// Connect dials the server, runs the TLS handshake when ServerName is set and
// returns the connected stream.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	addr, err := c.settings.Resolve(ctx)
	if err != nil {
		c.logger.Warn("connect rejected", "address", c.settings.Address, "port", c.settings.Port, "error", err)
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.settings.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		c.logger.Warn("connect failed", "addr", addr.String(), "error", err)
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	tuneConn(raw, c.settings.ConnectionSettings)

	conn := raw
	if c.settings.UseTLS() {
		tlsConn, err := c.handshake(ctx, raw)
		if err != nil {
			_ = raw.Close()
			c.logger.Warn("tls handshake failed", "addr", addr.String(), "server_name", c.settings.ServerName, "error", err)
			return nil, err
		}
		conn = tlsConn
	}

	c.logger.Debug("connected", "addr", addr.String(), "tls", c.settings.UseTLS())
	return newStream(conn, c.settings.ConnectionSettings, c.encoding, loggerWith(c.logger, "addr", addr.String())), nil
}

func (c *Client) handshake(ctx context.Context, raw net.Conn) (*tls.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.settings.ConnectTimeout)
	defer cancel()

	tlsConn := tls.Client(raw, c.settings.tlsConfig(c.logger))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, errors.Wrap(err, "tls handshake")
	}
	return tlsConn, nil
}

// withStream connects, runs fn and disconnects.
func (c *Client) withStream(ctx context.Context, fn func(s *Stream) error) error {
	s, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(s)
}

// Send connects, sends payload and disconnects.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	return c.withStream(ctx, func(s *Stream) error {
		return s.Send(ctx, payload)
	})
}

// Receive connects, waits for one message and disconnects.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	var reply []byte
	err := c.withStream(ctx, func(s *Stream) error {
		var err error
		reply, err = s.receiveMessage(ctx)
		return err
	})
	return reply, err
}

// SendReceive connects, sends payload, waits for the reply and disconnects.
func (c *Client) SendReceive(ctx context.Context, payload []byte) ([]byte, error) {
	var reply []byte
	err := c.withStream(ctx, func(s *Stream) error {
		var err error
		reply, err = s.SendReceive(ctx, payload)
		return err
	})
	return reply, err
}

// SendLine connects, sends text terminated by eot and disconnects.
func (c *Client) SendLine(ctx context.Context, text, eot string) error {
	return c.withStream(ctx, func(s *Stream) error {
		return s.SendLine(ctx, text, eot)
	})
}

// ReceiveLine connects, waits for one line and disconnects.
func (c *Client) ReceiveLine(ctx context.Context, eot string) (string, error) {
	var line string
	err := c.withStream(ctx, func(s *Stream) error {
		var err error
		line, err = s.ReceiveLine(ctx, eot)
		return err
	})
	return line, err
}

// SendReceiveLine connects, sends a line, waits for the reply line and disconnects.
func (c *Client) SendReceiveLine(ctx context.Context, text, eot string) (string, error) {
	var line string
	err := c.withStream(ctx, func(s *Stream) error {
		var err error
		line, err = s.SendReceiveLine(ctx, text, eot)
		return err
	})
	return line, err
}

// StopConnection performs the stop handshake on a stream opened by Connect.
func (c *Client) StopConnection(ctx context.Context, s *Stream) error {
	return StopConnection(ctx, s)
}

// AsyncOptions configures SendAsync.
type AsyncOptions struct {
	// AsLine sends the payload as a line terminated by EOT.
	AsLine bool
	// EOT overrides the configured delimiter for line messages.
	EOT string
	// OnReply, when set, makes the job wait for a reply and receive it.
	// Returning false marks the job ResultKO.
	OnReply func(reply []byte) bool
}

// SendAsync runs connect and send on a background Job and returns at once.
// With OnReply the job also waits for the reply. The job result reports
// ResultOK, ResultNoData, ResultSendError, ResultReceiveError, or ResultKO when
// the connection cannot be opened.
func (c *Client) SendAsync(ctx context.Context, payload []byte, ao AsyncOptions) *Job {
	return StartJob(ctx, "send-async", ao, func(ctx context.Context, _ *Job) Result {
		return c.sendAsync(ctx, payload, ao)
	}, LoggerOption(c.logger))
}

func (c *Client) sendAsync(ctx context.Context, payload []byte, ao AsyncOptions) Result {
	s, err := c.Connect(ctx)
	if err != nil {
		return ResultKO
	}
	defer s.Close()

	eot := ao.EOT
	if eot == "" {
		eot = c.settings.eot()
	}

	if ao.AsLine {
		err = s.SendLine(ctx, string(payload), eot)
	} else {
		err = s.Send(ctx, payload)
	}
	if err != nil {
		c.logger.Warn("async send failed", "addr", s.Addr(), "error", err)
		return ResultSendError
	}

	if ao.OnReply == nil {
		return ResultOK
	}

	var reply []byte
	if ao.AsLine || !c.settings.UseSizeHeader() {
		var line string
		line, err = s.ReceiveLine(ctx, eot)
		reply = []byte(line)
	} else {
		reply, _, err = s.Receive(ctx)
	}
	if err != nil {
		c.logger.Warn("async receive failed", "addr", s.Addr(), "error", err)
		return ResultReceiveError
	}
	if len(reply) == 0 {
		return ResultNoData
	}
	if !ao.OnReply(reply) {
		return ResultKO
	}
	return ResultOK
}
