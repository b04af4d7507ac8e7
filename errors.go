package msgsock

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by stream, client and server operations.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrInvalidSettings is returned when settings cannot be used.
	ErrInvalidSettings = errors.New("invalid settings")
	// ErrMessageTooLarge is returned when a message exceeds the configured maximum
	// size or cannot be described by the configured size header.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrEmptyPayload is returned when sending an empty message. Nothing is written.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrZeroSize is returned when a size header announces a zero-length message.
	ErrZeroSize = errors.New("zero size announced")
	// ErrShortRead is returned together with the partial payload when the peer
	// stopped sending before the announced size was read.
	ErrShortRead = errors.New("short read")
	// ErrInvalidEOT is returned when a line delimiter is empty.
	ErrInvalidEOT = errors.New("invalid end of text delimiter")
)

// Server lifecycle errors.
var (
	// ErrAlreadyStarted is returned by Start when the server is not idle.
	ErrAlreadyStarted = errors.New("server already started")
	// ErrNotStarted is returned by Stop when the server is not listening.
	ErrNotStarted = errors.New("server not started")
	// ErrStartRejected is returned when the OnStart hook declines to start.
	ErrStartRejected = errors.New("start rejected by hook")
	// ErrStopRejected is returned when a peer does not acknowledge a stop request.
	ErrStopRejected = errors.New("stop not acknowledged")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// ErrTLSPolicy is returned when the server certificate carries policy errors
// outside the allowed mask.
var ErrTLSPolicy = errors.New("tls policy error")

// ShortReadError reports a message that ended before its announced size.
// It matches ErrShortRead with errors.Is and unwraps to the transport error.
type ShortReadError struct {
	Got  int
	Want int
	Err  error
}

func (e *ShortReadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("short read: %d of %d bytes", e.Got, e.Want)
	}
	return fmt.Sprintf("short read: %d of %d bytes: %v", e.Got, e.Want, e.Err)
}

func (e *ShortReadError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrShortRead) match.
func (e *ShortReadError) Is(target error) bool { return target == ErrShortRead }
