package msgsock

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// createTestStreamPair wraps both ends of a TCP pair in streams sharing settings.
func createTestStreamPair(t *testing.T, settings ConnectionSettings) (*Stream, *Stream) {
	t.Helper()

	serverConn, clientConn := createTestTCPPair(t)
	a, err := NewStream(serverConn, settings, LoggerOption(&mockLogger{}))
	require.NoError(t, err)
	b, err := NewStream(clientConn, settings, LoggerOption(&mockLogger{}))
	require.NoError(t, err)

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func headerSettings(width int) ConnectionSettings {
	s := DefaultConnectionSettings()
	s.SetSizeHeader(width)
	return s
}

func lineSettings() ConnectionSettings {
	s := DefaultConnectionSettings()
	s.UseLineFraming = true
	return s
}

func TestStream_SendReceive_HeaderWidths(t *testing.T) {
	for _, width := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("width=%d", width), func(t *testing.T) {
			ctx := context.Background()
			a, b := createTestStreamPair(t, headerSettings(width))

			require.NoError(t, a.Send(ctx, []byte("ping")))

			payload, size, err := b.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, []byte("ping"), payload)
			assert.Equal(t, uint64(4), size)
		})
	}
}

func TestStream_Send_WireFormat(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	s, err := NewStream(serverConn, headerSettings(2))
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), []byte("ping")))

	buf := make([]byte, 6)
	_, err = io.ReadFull(clientConn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x04, 'p', 'i', 'n', 'g'}, buf)
}

func TestStream_SendRaw_NoHeader(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	s, err := NewStream(serverConn, DefaultConnectionSettings())
	require.NoError(t, err)

	require.NoError(t, s.SendRaw(context.Background(), []byte("raw")))

	buf := make([]byte, 3)
	_, err = io.ReadFull(clientConn, buf)
	require.NoError(t, err)
	assert.Equal(t, "raw", string(buf))
}

func TestStream_Send_EmptyPayload(t *testing.T) {
	a, _ := createTestStreamPair(t, DefaultConnectionSettings())

	err := a.Send(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	err = a.SendLine(context.Background(), "\r\n", "\r\n")
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestStream_Send_TooLargeForHeader(t *testing.T) {
	a, _ := createTestStreamPair(t, headerSettings(1))

	err := a.Send(context.Background(), make([]byte, 256))
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	assert.NoError(t, a.Send(context.Background(), make([]byte, 255)))
}

func TestStream_Receive_ZeroSize(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	s, err := NewStream(serverConn, DefaultConnectionSettings(), LoggerOption(&mockLogger{}))
	require.NoError(t, err)

	_, err = clientConn.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)

	_, _, err = s.Receive(context.Background())
	assert.ErrorIs(t, err, ErrZeroSize)
}

func TestStream_Receive_ShortRead(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()

	s, err := NewStream(serverConn, DefaultConnectionSettings(), LoggerOption(&mockLogger{}))
	require.NoError(t, err)

	_, err = clientConn.Write([]byte{0, 0, 0, 10, 'a', 'b', 'c'})
	require.NoError(t, err)
	require.NoError(t, clientConn.Close())

	payload, size, err := s.Receive(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShortRead)
	assert.Equal(t, "abc", string(payload))
	assert.Equal(t, uint64(10), size)

	var short *ShortReadError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, 3, short.Got)
	assert.Equal(t, 10, short.Want)
}

func TestStream_Receive_HugeAnnouncedSize(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()

	s, err := NewStream(serverConn, headerSettings(8), LoggerOption(&mockLogger{}))
	require.NoError(t, err)

	// 2^62 bytes announced, three delivered.
	_, err = clientConn.Write([]byte{0x40, 0, 0, 0, 0, 0, 0, 0, 'a', 'b', 'c'})
	require.NoError(t, err)
	require.NoError(t, clientConn.Close())

	payload, size, err := s.Receive(context.Background())
	assert.ErrorIs(t, err, ErrShortRead)
	assert.Equal(t, "abc", string(payload))
	assert.Equal(t, uint64(1)<<62, size)

	var short *ShortReadError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, 3, short.Got)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStream_ReceiveSize_SpansReceiveBuffer(t *testing.T) {
	settings := DefaultConnectionSettings()
	settings.ReceiveBufferSize = 16
	a, b := createTestStreamPair(t, settings)

	want := []byte(strings.Repeat("0123456789", 10))
	require.NoError(t, a.SendRaw(context.Background(), want))

	got, err := b.ReceiveSize(context.Background(), len(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStream_Receive_HeaderOnlyThenEOF(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()

	s, err := NewStream(serverConn, DefaultConnectionSettings(), LoggerOption(&mockLogger{}))
	require.NoError(t, err)

	_, err = clientConn.Write([]byte{0, 0, 0, 5})
	require.NoError(t, err)
	require.NoError(t, clientConn.Close())

	payload, _, err := s.Receive(context.Background())
	assert.ErrorIs(t, err, ErrShortRead)
	assert.Empty(t, payload)
}

func TestStream_Receive_EOF(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()

	s, err := NewStream(serverConn, DefaultConnectionSettings())
	require.NoError(t, err)
	require.NoError(t, clientConn.Close())

	_, _, err = s.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_Receive_MaxMessageSize(t *testing.T) {
	settings := DefaultConnectionSettings()
	settings.MaxMessageSize = 10
	a, b := createTestStreamPair(t, settings)

	require.NoError(t, a.Send(context.Background(), make([]byte, 11)))

	_, size, err := b.Receive(context.Background())
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Equal(t, uint64(11), size)
}

func TestStream_ReceiveSize(t *testing.T) {
	a, b := createTestStreamPair(t, DefaultConnectionSettings())

	require.NoError(t, a.SendRaw(context.Background(), []byte("abcdef")))

	buf, err := b.ReceiveSize(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf))

	_, err = b.ReceiveSize(context.Background(), 0)
	assert.ErrorIs(t, err, ErrZeroSize)
}

func TestStream_Line_RoundTrip(t *testing.T) {
	ctx := context.Background()
	a, b := createTestStreamPair(t, lineSettings())

	// Embedded delimiters are stripped before sending.
	require.NoError(t, a.SendLine(ctx, "hel\r\nlo", "\r\n"))

	line, err := b.ReceiveLine(ctx, "\r\n")
	require.NoError(t, err)
	assert.Equal(t, "hello", line)
}

func TestStream_ReceiveLine_SplitDelimiter(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	s, err := NewStream(serverConn, lineSettings())
	require.NoError(t, err)

	go func() {
		_, _ = clientConn.Write([]byte("a\nb\r"))
		time.Sleep(20 * time.Millisecond)
		_, _ = clientConn.Write([]byte("\ncd\r\n"))
	}()

	ctx := context.Background()
	line, err := s.ReceiveLine(ctx, "\r\n")
	require.NoError(t, err)
	assert.Equal(t, "a\nb", line)

	line, err = s.ReceiveLine(ctx, "\r\n")
	require.NoError(t, err)
	assert.Equal(t, "cd", line)
}

func TestStream_ReceiveLine_CustomEOT(t *testing.T) {
	ctx := context.Background()
	a, b := createTestStreamPair(t, lineSettings())

	require.NoError(t, a.SendLine(ctx, "one", "<EOT>"))
	require.NoError(t, a.SendLine(ctx, "two", "<EOT>"))

	line, err := b.ReceiveLine(ctx, "<EOT>")
	require.NoError(t, err)
	assert.Equal(t, "one", line)

	line, err = b.ReceiveLine(ctx, "<EOT>")
	require.NoError(t, err)
	assert.Equal(t, "two", line)
}

func TestStream_ReceiveLine_EOF(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()

	s, err := NewStream(serverConn, lineSettings())
	require.NoError(t, err)
	require.NoError(t, clientConn.Close())

	_, err = s.ReceiveLine(context.Background(), "\r\n")
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_ReceiveLine_TooLong(t *testing.T) {
	settings := lineSettings()
	settings.MaxMessageSize = 8
	settings.ReceiveBufferSize = 16
	a, b := createTestStreamPair(t, settings)

	require.NoError(t, a.SendRaw(context.Background(), []byte(strings.Repeat("x", 64)+"\r\n")))

	_, err := b.ReceiveLine(context.Background(), "\r\n")
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestStream_Line_InvalidEOT(t *testing.T) {
	a, _ := createTestStreamPair(t, lineSettings())

	assert.ErrorIs(t, a.SendLine(context.Background(), "x", ""), ErrInvalidEOT)
	_, err := a.ReceiveLine(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidEOT)
}

func TestStream_Line_Encoding(t *testing.T) {
	settings := lineSettings()
	settings.Encoding = "iso-8859-1"

	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	a, err := NewStream(serverConn, settings)
	require.NoError(t, err)
	b, err := NewStream(clientConn, settings)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.SendLine(ctx, "café", "\r\n"))

	line, err := b.ReceiveLine(ctx, "\r\n")
	require.NoError(t, err)
	assert.Equal(t, "café", line)
}

func TestStream_Line_EncodingOnWire(t *testing.T) {
	settings := lineSettings()
	settings.Encoding = "iso-8859-1"

	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	s, err := NewStream(serverConn, settings)
	require.NoError(t, err)

	require.NoError(t, s.SendLine(context.Background(), "café", "\r\n"))

	buf := make([]byte, 6)
	_, err = io.ReadFull(clientConn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{'c', 'a', 'f', 0xE9, '\r', '\n'}, buf)
}

func TestNewStream_UnknownEncoding(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	settings := DefaultConnectionSettings()
	settings.Encoding = "no-such-encoding"

	_, err := NewStream(serverConn, settings)
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestStream_SendReceive(t *testing.T) {
	ctx := context.Background()
	a, b := createTestStreamPair(t, DefaultConnectionSettings())

	go func() {
		msg, _, err := b.Receive(ctx)
		if err != nil {
			return
		}
		_ = b.Send(ctx, append(msg, []byte("-ack")...))
	}()

	reply, err := a.SendReceive(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello-ack", string(reply))
}

func TestStream_SendReceive_LineMode(t *testing.T) {
	ctx := context.Background()
	a, b := createTestStreamPair(t, lineSettings())

	go func() {
		line, err := b.ReceiveLine(ctx, DefaultEOT)
		if err != nil {
			return
		}
		_ = b.SendLine(ctx, line+"-ack", DefaultEOT)
	}()

	reply, err := a.SendReceive(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello-ack", string(reply))
}

func TestStream_Receive_Cancel(t *testing.T) {
	a, _ := createTestStreamPair(t, DefaultConnectionSettings())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := a.Receive(ctx)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after cancel")
	}
}

func TestStream_Receive_AlreadyCancelled(t *testing.T) {
	a, _ := createTestStreamPair(t, DefaultConnectionSettings())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStream_Receive_Timeout(t *testing.T) {
	settings := DefaultConnectionSettings()
	settings.ReceiveTimeout = 50 * time.Millisecond
	a, _ := createTestStreamPair(t, settings)

	start := time.Now()
	_, _, err := a.Receive(context.Background())
	require.Error(t, err)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStream_Close(t *testing.T) {
	a, _ := createTestStreamPair(t, DefaultConnectionSettings())

	assert.False(t, a.IsClosed())
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
	assert.True(t, a.IsClosed())

	err := a.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestSizeHeaderCodec(t *testing.T) {
	tests := []struct {
		width int
		n     uint64
		want  []byte
	}{
		{1, 0xAB, []byte{0xAB}},
		{2, 0x0102, []byte{0x01, 0x02}},
		{4, 4, []byte{0, 0, 0, 4}},
		{8, 0x0102030405060708, []byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}

	for _, tt := range tests {
		buf := make([]byte, tt.width)
		putSizeHeader(buf, tt.n)
		assert.Equal(t, tt.want, buf)
		assert.Equal(t, tt.n, decodeSizeHeader(buf))
	}
}
