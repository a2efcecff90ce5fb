package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luma/redwire/protocol"
)

// aLongTimeAgo is a deadline in the past, setting it makes pending socket
// calls return immediately.
var aLongTimeAgo = time.Unix(1, 0)

type State int32

const (
	StateConnected State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Conn is one connection to a RESP server.
//
// A Conn carries at most one exchange at a time: Execute writes a request and
// reads its reply before returning. It is not safe for concurrent use, open
// one Conn per goroutine instead. Close is the exception, it may be called
// from any goroutine and unblocks a pending read.
//
// Any transport or protocol failure closes the Conn. Server error replies do
// not, they come back as values.
type Conn struct {
	conn net.Conn
	addr string

	reader  *protocol.Reader
	wbuf    []byte
	timeout time.Duration

	state     int32
	closeOnce sync.Once

	log *zap.Logger
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string, options Options) (*Conn, error) {
	if addr == "" {
		addr = DefaultAddr
	}

	dialer := net.Dialer{Timeout: options.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: addr, Err: err}
	}

	c := NewConn(conn, options)
	c.log.Debug("Connected")

	return c, nil
}

// NewConn wraps an already established socket. The Conn takes ownership of
// it and closes it on Close.
func NewConn(conn net.Conn, options Options) *Conn {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	addr := ""
	if remote := conn.RemoteAddr(); remote != nil {
		addr = remote.String()
	}

	bufSize := options.ReadBufferSize
	if bufSize <= 0 {
		bufSize = 4096
	}

	return &Conn{
		conn:    conn,
		addr:    addr,
		reader:  protocol.NewReaderSize(conn, bufSize),
		timeout: options.Timeout,
		state:   int32(StateConnected),
		log:     log.Named("conn").With(zap.String("addr", addr)),
	}
}

func (c *Conn) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Conn) Addr() string {
	return c.addr
}

// Execute sends one command and decodes its single reply.
func (c *Conn) Execute(ctx context.Context, name string, args ...interface{}) (protocol.Value, error) {
	if protocol.IsStreaming(name) {
		return protocol.Value{}, fmt.Errorf("%w: %s", ErrStreamingCommand, name)
	}

	if err := c.checkState(); err != nil {
		return protocol.Value{}, err
	}

	disarm, err := c.arm(ctx)
	if err != nil {
		return protocol.Value{}, err
	}
	defer disarm()

	if err := c.send(ctx, name, args); err != nil {
		return protocol.Value{}, err
	}

	return c.receive(ctx)
}

// ExecuteStreaming sends one streaming command (SUBSCRIBE, PSUBSCRIBE or
// MONITOR) and returns a Stream of the replies the server pushes back. No
// reply is read here, the first one, e.g. the subscribe confirmation, is the
// first value returned by Stream.Next.
//
// From here on the Conn is read only. Close the Stream, which closes the
// Conn, to stop.
func (c *Conn) ExecuteStreaming(ctx context.Context, name string, args ...interface{}) (*Stream, error) {
	if !protocol.IsStreaming(name) {
		return nil, fmt.Errorf("%w: %s", ErrNotStreamingCommand, name)
	}

	if err := c.checkState(); err != nil {
		return nil, err
	}

	disarm, err := c.arm(ctx)
	if err != nil {
		return nil, err
	}
	defer disarm()

	if err := c.send(ctx, name, args); err != nil {
		return nil, err
	}

	if !atomic.CompareAndSwapInt32(&c.state, int32(StateConnected), int32(StateStreaming)) {
		return nil, ErrClosed
	}

	c.log.Debug("Streaming", zap.String("command", name))

	return &Stream{conn: c, command: protocol.NormalizeCommand(name)}, nil
}

// Result is what Do returns: a single Value, or a Stream for streaming
// commands.
type Result struct {
	Value  protocol.Value
	Stream *Stream
}

// Do routes name to Execute or ExecuteStreaming.
func (c *Conn) Do(ctx context.Context, name string, args ...interface{}) (Result, error) {
	if protocol.IsStreaming(name) {
		stream, err := c.ExecuteStreaming(ctx, name, args...)
		return Result{Stream: stream}, err
	}

	v, err := c.Execute(ctx, name, args...)
	return Result{Value: v}, err
}

// Close releases the socket. It is safe to call more than once and from
// another goroutine than the one using the Conn.
func (c *Conn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(StateClosed))
		err = c.conn.Close()
	})

	return err
}

func (c *Conn) checkState() error {
	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateStreaming:
		return ErrStreaming
	default:
		return nil
	}
}

// send frames the command and writes it with a single Write.
func (c *Conn) send(ctx context.Context, name string, args []interface{}) error {
	b, err := protocol.AppendCommand(c.wbuf[:0], name, args...)
	if err != nil {
		// Nothing went on the wire, the connection is still fine
		return err
	}

	c.wbuf = b

	if _, err := c.conn.Write(b); err != nil {
		return c.fail(ctx, "write", err)
	}

	return nil
}

// receive decodes the next reply.
func (c *Conn) receive(ctx context.Context) (protocol.Value, error) {
	v, err := c.reader.ReadValue()
	if err != nil {
		return protocol.Value{}, c.fail(ctx, "read", err)
	}

	return v, nil
}

// arm sets the socket deadline for one call from the configured timeout and
// ctx, and makes cancelling ctx interrupt it. The returned func must be
// called when the call is over.
func (c *Conn) arm(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}

	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, c.fail(ctx, "set deadline", err)
	}

	if ctx.Done() == nil {
		return func() {}, nil
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)

		// Error ignored, the pending call reports what went wrong
		_ = c.conn.SetDeadline(aLongTimeAgo)
	})

	return func() {
		if !stop() {
			// Cancelled anyway, don't let it clobber the next call's deadline
			<-fired
		}
	}, nil
}

// fail closes the connection after a fatal error and returns the error the
// caller should see.
func (c *Conn) fail(ctx context.Context, op string, err error) error {
	if c.State() == StateClosed {
		// Closed under our feet by Close
		return ErrClosed
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		// The socket deadline can beat the context's own timer
		err = context.DeadlineExceeded
	}

	var protoErr *protocol.ProtocolError
	if !errors.As(err, &protoErr) {
		err = &TransportError{Op: op, Addr: c.addr, Err: err}
	}

	c.log.Warn("Closing connection after fatal error",
		zap.String("op", op),
		zap.Error(err))

	if cerr := c.Close(); cerr != nil {
		c.log.Debug("Failed to close connection cleanly", zap.Error(cerr))
	}

	return err
}
