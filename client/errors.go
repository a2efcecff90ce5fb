package client

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrClosed              = errors.New("Connection is closed")
	ErrStreaming           = errors.New("Connection is streaming, only Stream.Next may be called")
	ErrStreamingCommand    = errors.New("Command streams replies, use ExecuteStreaming")
	ErrNotStreamingCommand = errors.New("Command does not stream replies, use Execute")
	ErrUnexpectedReply     = errors.New("Unexpected reply type")
)

// TransportError is a socket level failure: a reset, a timeout or the server
// hanging up mid reply. The connection it came from is closed.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline expiring.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

func unexpectedReply(cmd string, got interface{}) error {
	return fmt.Errorf("%w for %s: %v", ErrUnexpectedReply, cmd, got)
}
