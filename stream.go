// Package msgsock implements a framed TCP message exchange: a stream that
// carries size-headed or delimiter-terminated messages, a client connector,
// and a server that runs a receiver and a processor for every connection.
package msgsock

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
)

// aLongTimeAgo is a deadline in the past used to abort pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Stream turns a byte connection into a message connection.
// A Stream may be used by one reader and any number of writers concurrently.
type Stream struct {
	conn     net.Conn
	reader   *bufio.Reader
	settings ConnectionSettings
	encoding encoding.Encoding
	logger   Logger

	rmu, wmu sync.Mutex
	closed   atomic.Bool
}

// NewStream wraps conn, which may already be a *tls.Conn.
// It fails only when the configured text encoding is unknown.
func NewStream(conn net.Conn, settings ConnectionSettings, opt ...Option) (*Stream, error) {
	settings = settings.withDefaults()
	enc, err := settings.textEncoding()
	if err != nil {
		return nil, err
	}

	opts := buildOptions(opt...)
	return newStream(conn, settings, enc, opts.logger), nil
}

func newStream(conn net.Conn, settings ConnectionSettings, enc encoding.Encoding, logger Logger) *Stream {
	tuneConn(conn, settings)
	return &Stream{
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, settings.ReceiveBufferSize),
		settings: settings,
		encoding: enc,
		logger:   logger,
	}
}

// tuneConn applies socket options to plain TCP connections.
func tuneConn(conn net.Conn, settings ConnectionSettings) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	if settings.ReceiveBufferSize > 0 {
		_ = tc.SetReadBuffer(settings.ReceiveBufferSize)
	}
	if settings.SendBufferSize > 0 {
		_ = tc.SetWriteBuffer(settings.SendBufferSize)
	}
}

// Addr returns the remote address of the stream.
func (s *Stream) Addr() net.Addr {
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local address of the stream.
func (s *Stream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Conn returns the underlying connection.
func (s *Stream) Conn() net.Conn {
	return s.conn
}

// Settings returns the settings the stream was built with.
func (s *Stream) Settings() ConnectionSettings {
	return s.settings
}

// Close closes the underlying connection. Safe to call multiple times.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

// IsClosed returns true if the stream has been closed.
func (s *Stream) IsClosed() bool {
	return s.closed.Load()
}

// Send writes payload as one message. With UseSizeHeader the payload is
// prefixed with its big-endian length; otherwise it is written as is.
func (s *Stream) Send(ctx context.Context, payload []byte) error {
	return s.send(ctx, payload, s.settings.UseSizeHeader())
}

// SendRaw writes payload without a size header.
func (s *Stream) SendRaw(ctx context.Context, payload []byte) error {
	return s.send(ctx, payload, false)
}

// SendLine writes text terminated by eot. Occurrences of eot inside text are
// removed first. Lines never carry a size header.
func (s *Stream) SendLine(ctx context.Context, text, eot string) error {
	if eot == "" {
		return ErrInvalidEOT
	}

	text = strings.ReplaceAll(text, eot, "")
	if text == "" {
		s.logger.Debug("send skipped: empty line", "addr", s.Addr())
		return ErrEmptyPayload
	}

	buf, err := s.encode(text + eot)
	if err != nil {
		return err
	}
	return s.send(ctx, buf, false)
}

// Receive reads one size-headed message and returns it with the size the
// header announced. A zero announced size yields ErrZeroSize. When the peer
// stops early the partial payload is returned with a *ShortReadError.
func (s *Stream) Receive(ctx context.Context) ([]byte, uint64, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	header, err := s.readExact(ctx, s.settings.SizeHeader())
	if err != nil {
		return nil, 0, err
	}

	size := decodeSizeHeader(header)
	if size == 0 {
		s.logger.Warn("receive error: zero size announced", "addr", s.Addr())
		return nil, 0, ErrZeroSize
	}

	if size > uint64(math.MaxInt) || (s.settings.MaxMessageSize > 0 && size > uint64(s.settings.MaxMessageSize)) {
		s.logger.Warn("receive error: message too large", "addr", s.Addr(), "size", size)
		return nil, size, errors.Wrapf(ErrMessageTooLarge, "announced %d bytes", size)
	}

	payload, err := s.readExact(ctx, int(size))
	if err != nil && errors.Is(err, io.EOF) {
		// The header promised a payload, so EOF here is a truncation.
		err = &ShortReadError{Got: len(payload), Want: int(size), Err: io.ErrUnexpectedEOF}
	}
	return payload, size, err
}

// ReceiveSize reads exactly size bytes with no header.
func (s *Stream) ReceiveSize(ctx context.Context, size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrZeroSize
	}

	s.rmu.Lock()
	defer s.rmu.Unlock()

	return s.readExact(ctx, size)
}

// ReceiveLine reads until eot terminates the data and returns the text with
// eot removed. The buffer grows without bound unless MaxMessageSize is set.
func (s *Stream) ReceiveLine(ctx context.Context, eot string) (string, error) {
	if eot == "" {
		return "", ErrInvalidEOT
	}

	delim, err := s.encode(eot)
	if err != nil {
		return "", err
	}

	s.rmu.Lock()
	defer s.rmu.Unlock()

	var raw []byte
	err = s.do(ctx, s.settings.ReceiveTimeout, s.conn.SetReadDeadline, func() error {
		var rerr error
		raw, rerr = s.readLine(delim)
		return rerr
	})
	if err != nil {
		if len(raw) == 0 && errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		s.logger.Debug("read line error", "addr", s.Addr(), "error", err)
		return "", err
	}

	text, err := s.decode(raw)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(text, eot, ""), nil
}

// SendReceive sends payload and waits for one reply. Without UseSizeHeader
// both directions use line framing with the configured EOT.
func (s *Stream) SendReceive(ctx context.Context, payload []byte) ([]byte, error) {
	if !s.settings.UseSizeHeader() {
		line, err := s.SendReceiveLine(ctx, string(payload), s.settings.eot())
		if err != nil {
			return nil, err
		}
		return []byte(line), nil
	}
	if err := s.Send(ctx, payload); err != nil {
		return nil, err
	}
	return s.receiveMessage(ctx)
}

// receiveMessage reads one message with the framing selected by the settings.
func (s *Stream) receiveMessage(ctx context.Context) ([]byte, error) {
	if !s.settings.UseSizeHeader() {
		line, err := s.ReceiveLine(ctx, s.settings.eot())
		if err != nil {
			return nil, err
		}
		return []byte(line), nil
	}
	payload, _, err := s.Receive(ctx)
	return payload, err
}

// SendReceiveLine sends a line and waits for one line in reply.
func (s *Stream) SendReceiveLine(ctx context.Context, text, eot string) (string, error) {
	if err := s.SendLine(ctx, text, eot); err != nil {
		return "", err
	}
	return s.ReceiveLine(ctx, eot)
}

func (s *Stream) send(ctx context.Context, payload []byte, withHeader bool) error {
	if len(payload) == 0 {
		s.logger.Debug("send skipped: empty payload", "addr", s.Addr())
		return ErrEmptyPayload
	}

	buf := payload
	if withHeader {
		if uint64(len(payload)) > s.settings.maxHeaderPayload() {
			s.logger.Warn("send error: payload does not fit size header",
				"addr", s.Addr(), "size", len(payload), "size_header", s.settings.SizeHeader())
			return errors.Wrapf(ErrMessageTooLarge, "%d bytes with %d byte header", len(payload), s.settings.SizeHeader())
		}
		width := s.settings.SizeHeader()
		buf = make([]byte, width+len(payload))
		putSizeHeader(buf[:width], uint64(len(payload)))
		copy(buf[width:], payload)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	err := s.do(ctx, s.settings.SendTimeout, s.conn.SetWriteDeadline, func() error {
		_, werr := s.conn.Write(buf)
		return werr
	})
	if err != nil {
		s.logger.Debug("write error", "addr", s.Addr(), "error", err)
		return errors.Wrap(err, "send")
	}
	return nil
}

// readExact reads n bytes. io.EOF is returned only when nothing was read;
// otherwise a partial read yields the bytes read and a *ShortReadError.
// The buffer grows in ReceiveBufferSize steps as bytes arrive, so an announced
// size is never allocated up front.
func (s *Stream) readExact(ctx context.Context, n int) ([]byte, error) {
	step := s.settings.ReceiveBufferSize
	if step <= 0 {
		step = DefaultBufferSize
	}

	var buf bytes.Buffer
	buf.Grow(min(n, step))
	err := s.do(ctx, s.settings.ReceiveTimeout, s.conn.SetReadDeadline, func() error {
		for remaining := n; remaining > 0; {
			copied, err := io.CopyN(&buf, s.reader, int64(min(remaining, step)))
			remaining -= int(copied)
			if err != nil {
				return err
			}
		}
		return nil
	})
	got := buf.Len()
	if err == nil {
		return buf.Bytes(), nil
	}

	if got == 0 && errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if got == 0 {
		s.logger.Debug("read error", "addr", s.Addr(), "error", err)
		return nil, err
	}

	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	s.logger.Warn("short read", "addr", s.Addr(), "got", got, "want", n, "error", err)
	return buf.Bytes(), &ShortReadError{Got: got, Want: n, Err: err}
}

// readLine accumulates bytes until the buffer ends with delim.
func (s *Stream) readLine(delim []byte) ([]byte, error) {
	last := delim[len(delim)-1]
	var acc []byte
	for {
		chunk, err := s.reader.ReadSlice(last)
		acc = append(acc, chunk...)

		if err == nil && bytes.HasSuffix(acc, delim) {
			return acc[:len(acc)-len(delim)], nil
		}
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			if len(acc) > 0 && errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return acc, err
		}
		if limit := s.settings.MaxMessageSize; limit > 0 && len(acc) > limit+len(delim) {
			return nil, errors.Wrapf(ErrMessageTooLarge, "line exceeds %d bytes", limit)
		}
	}
}

// do runs op under the operation timeout and aborts it when ctx is done by
// moving the connection deadline into the past.
func (s *Stream) do(ctx context.Context, timeout time.Duration, setDeadline func(time.Time) error, op func() error) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = setDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(aLongTimeAgo)
	})
	err := op()
	stopped := stop()

	if err != nil && !stopped && ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), "aborted")
	}
	return err
}

func (s *Stream) encode(text string) ([]byte, error) {
	if s.encoding == nil {
		return []byte(text), nil
	}
	buf, err := s.encoding.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, errors.Wrap(err, "encode text")
	}
	return buf, nil
}

func (s *Stream) decode(buf []byte) (string, error) {
	if s.encoding == nil {
		return string(buf), nil
	}
	out, err := s.encoding.NewDecoder().Bytes(buf)
	if err != nil {
		return "", errors.Wrap(err, "decode text")
	}
	return string(out), nil
}

// putSizeHeader writes n big-endian into dst, keeping the low len(dst) bytes.
func putSizeHeader(dst []byte, n uint64) {
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], n)
	copy(dst, full[8-len(dst):])
}

// decodeSizeHeader reads a big-endian length of 1 to 8 bytes.
func decodeSizeHeader(src []byte) uint64 {
	var full [8]byte
	copy(full[8-len(src):], src)
	return binary.BigEndian.Uint64(full[:])
}
