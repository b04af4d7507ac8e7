package msgsock

import (
	"context"

	"github.com/pkg/errors"
)

// Control sentinels. Each travels as a complete single-byte message.
const (
	// SentinelStop asks the server to stop receiving on this connection.
	SentinelStop byte = 0x04
	// SentinelAck acknowledges a stop request.
	SentinelAck byte = 0x06
	// SentinelNak refuses a stop request, sent while the server is stopping.
	SentinelNak byte = 0x15
)

// isSentinel reports whether payload is exactly the single byte b.
func isSentinel(payload []byte, b byte) bool {
	return len(payload) == 1 && payload[0] == b
}

// StopConnection asks the server side of s to stop its receiver and waits for
// the acknowledgement within the stream's receive timeout. The stream is left
// open; the server closes its side after acknowledging.
func StopConnection(ctx context.Context, s *Stream) error {
	stop := []byte{SentinelStop}
	if s.settings.UseSizeHeader() {
		if err := s.Send(ctx, stop); err != nil {
			return errors.Wrap(err, "send stop")
		}
		reply, _, err := s.Receive(ctx)
		if err != nil {
			return errors.Wrap(err, "receive stop acknowledgement")
		}
		if !isSentinel(reply, SentinelAck) {
			return errors.Wrapf(ErrStopRejected, "reply %x", reply)
		}
		return nil
	}

	eot := s.settings.eot()
	reply, err := s.SendReceiveLine(ctx, string(stop), eot)
	if err != nil {
		return errors.Wrap(err, "stop over line framing")
	}
	if !isSentinel([]byte(reply), SentinelAck) {
		return errors.Wrapf(ErrStopRejected, "reply %q", reply)
	}
	return nil
}
