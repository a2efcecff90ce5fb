package transport

import (
	"go.uber.org/zap"

	"github.com/luma/redwire/storage"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, 0 picks a free one. See TCP.Addr.
	Port int

	// Reuseport controls setting SO_REUSEPORT. It is required for more than
	// one listener.
	Reuseport bool

	// Trace logs every request at debug level. This is only useful in local
	// debugging
	Trace bool

	// NumListeners defaults to the number of CPUs when Reuseport is set, 1
	// otherwise.
	NumListeners int

	Store storage.Store

	Log *zap.Logger
}
