package client

import (
	"time"

	"go.uber.org/zap"
)

const DefaultAddr = "localhost:6379"

type Options struct {
	// Timeout bounds dialing and each blocking call (Execute, ExecuteStreaming
	// and Stream.Next). Zero means no timeout.
	Timeout time.Duration

	// ReadBufferSize is the initial size of the read buffer. It grows as
	// needed for large replies.
	ReadBufferSize int

	Log *zap.Logger
}
