package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/redwire/protocol"
	"github.com/luma/redwire/storage"
)

const (
	// WriteQueueSize is the number of replies and pushes a connection can
	// have waiting to be written.
	WriteQueueSize = 127

	// KeyspacePrefix and KeyeventPrefix name the channels store changes are
	// published to, as in __keyspace@0__:foo (payload "set") and
	// __keyevent@0__:set (payload "foo").
	KeyspacePrefix = "__keyspace@0__:"
	KeyeventPrefix = "__keyevent@0__:"
)

var (
	ErrConnClosed = errors.New("connection closed")

	// aLongTimeAgo is a deadline in the past, setting it makes pending socket
	// calls return immediately.
	aLongTimeAgo = time.Unix(1, 0)
)

// TCP is a small RESP server over a storage.Store. It serves a handful of
// commands, enough to drive a client against something real in tests and
// local development.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr      string
	reuseport bool

	numListeners int
	listeners    []*TCPListener

	store  storage.Store
	broker *broker

	log   *zap.Logger
	trace bool
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if !options.Reuseport {
		// Only one socket can bind the port without SO_REUSEPORT
		numListeners = 1
	} else if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport:    options.Reuseport,
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		trace:        options.Trace,
		store:        options.Store,
		broker:       newBroker(log.Named("broker")),
		log:          log,
	}
}

// Start binds every listener before returning, so Addr is usable and
// clients can connect as soon as it does.
func (w *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners", zap.Int("count", w.numListeners))

	for i := 0; i < w.numListeners; i++ {
		listener, err := w.listen(w.addr)
		if err != nil {
			cancel()
			return multierr.Append(
				fmt.Errorf("listen on %s: %w", w.addr, err),
				w.closeListeners(),
			)
		}

		if i == 0 {
			// Port 0 resolves on the first bind, the rest share it
			w.addr = listener.Addr().String()
		}

		w.startListener(ctx, listener)
	}

	updates := w.store.ListenToUpdates()

	w.stopWaiter.Add(1)
	go func() {
		defer w.stopWaiter.Done()
		w.publishUpdates(ctx, updates)
	}()

	w.log.Info("Listening", zap.String("addr", w.addr))

	return nil
}

// Addr is the address the server listens on, once Start has returned.
func (w *TCP) Addr() string {
	return w.addr
}

func (t *TCP) Store() storage.Store {
	return t.store
}

func (w *TCP) listen(addr string) (net.Listener, error) {
	if w.reuseport {
		return reuseport.Listen("tcp", addr)
	}

	return net.Listen("tcp", addr)
}

func (w *TCP) startListener(ctx context.Context, netListener net.Listener) {
	w.stopWaiter.Add(1)
	listener := NewTCPListener(
		ctx,
		netListener,
		w.store,
		w.broker,
		w.log.Named("listener").With(zap.Int("listener", len(w.listeners))),
		w.trace,
	)

	w.listeners = append(w.listeners, listener)

	go func() {
		defer w.stopWaiter.Done()

		if err := listener.Listen(); err != nil {
			// The remaining listeners keep serving
			w.log.Error("Failed to listen", zap.Error(err))
		}
	}()
}

// publishUpdates turns store changes into keyspace notifications.
func (w *TCP) publishUpdates(ctx context.Context, updates <-chan *storage.Update) {
	for {
		select {
		case <-ctx.Done():
			return

		case update, ok := <-updates:
			if !ok {
				return
			}

			_, err := w.broker.publish(KeyspacePrefix+string(update.Key), []byte(update.Event))
			if _, eerr := w.broker.publish(KeyeventPrefix+update.Event, update.Key); eerr != nil {
				err = multierr.Append(err, eerr)
			}

			if err != nil {
				w.log.Debug("Failed to deliver keyspace notification",
					zap.ByteString("key", update.Key),
					zap.Error(err))
			}
		}
	}
}

// Close immediately closes all active listeners and connections.
//
// For a graceful shutdown, use Shutdown()
func (w *TCP) Close() error {
	w.log.Info("Stopping TCP server")

	if w.cancel != nil {
		w.cancel()
	}

	err := w.closeListeners()

	w.stopWaiter.Wait()
	w.log.Info("Listeners stopped")

	return err
}

// Shutdown stops accepting connections and waits for the open ones to hang
// up. When ctx is done first the remaining connections are closed.
func (w *TCP) Shutdown(ctx context.Context) error {
	var err error
	for _, listener := range w.listeners {
		err = multierr.Append(err, listener.stopAccepting())
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for w.NumConns() > 0 {
		select {
		case <-ctx.Done():
			return multierr.Combine(err, ctx.Err(), w.Close())

		case <-ticker.C:
		}
	}

	return multierr.Append(err, w.Close())
}

// NumConns counts the connected clients across listeners.
func (w *TCP) NumConns() (n int) {
	for _, listener := range w.listeners {
		n += listener.numConns()
	}

	return n
}

func (w *TCP) closeListeners() (err error) {
	for _, listener := range w.listeners {
		err = multierr.Append(err, listener.Close())
	}

	return err
}

type TCPListener struct {
	ctx context.Context

	listener  net.Listener
	closeOnce sync.Once

	log   *zap.Logger
	trace bool

	mu          sync.Mutex
	activeConns map[*TCPConn]struct{}
	loopWaiter  sync.WaitGroup

	store  storage.Store
	broker *broker
}

func NewTCPListener(
	ctx context.Context,
	listener net.Listener,
	store storage.Store,
	broker *broker,
	log *zap.Logger,
	trace bool,
) *TCPListener {
	return &TCPListener{
		ctx:         ctx,
		listener:    listener,
		activeConns: make(map[*TCPConn]struct{}),
		store:       store,
		broker:      broker,
		log:         log,
		trace:       trace,
	}
}

// Close stops accepting and closes every connection.
func (t *TCPListener) Close() error {
	err := t.stopAccepting()

	t.mu.Lock()
	conns := make([]*TCPConn, 0, len(t.activeConns))
	for conn := range t.activeConns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	return err
}

func (t *TCPListener) stopAccepting() (err error) {
	t.closeOnce.Do(func() {
		err = t.listener.Close()
	})

	return err
}

// Listen accepts connections until the listener is closed or its context is
// done, then waits for the connections it started.
func (t *TCPListener) Listen() error {
	defer t.loopWaiter.Wait()

	stop := context.AfterFunc(t.ctx, func() {
		t.log.Info("Closing listener")

		if err := t.stopAccepting(); err != nil {
			t.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	})
	defer stop()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				t.log.Info("Stopped accepting new connections")
				return nil
			}

			// TODO(rolly) can we recover from some classes of err?
			return err
		}

		tcpConn := NewTCPConn(t.ctx, conn, t.store, t.broker, t.log.Named("conn"), t.trace)
		t.addConn(tcpConn)

		t.loopWaiter.Add(1)
		go func() {
			defer t.loopWaiter.Done()
			defer t.removeConn(tcpConn)

			tcpConn.Start()
		}()
	}
}

func (t *TCPListener) numConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.activeConns)
}

func (t *TCPListener) addConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
}

func (t *TCPListener) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}

// TCPConn serves one client. A read loop decodes requests and runs them, a
// write loop owns the socket's write side. Everything written to the client,
// replies and pushes from other connections alike, goes through Write and
// the write queue.
type TCPConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}

	conn   net.Conn
	addr   string
	reader *protocol.Reader

	store  storage.Store
	broker *broker

	writeQueue chan []byte

	// subscribed is only touched by the read loop
	subscribed bool

	log   *zap.Logger
	trace bool
}

func NewTCPConn(
	parentCtx context.Context,
	conn net.Conn,
	store storage.Store,
	broker *broker,
	log *zap.Logger,
	trace bool,
) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)

	addr := conn.RemoteAddr().String()

	return &TCPConn{
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		conn:       conn,
		addr:       addr,
		reader:     protocol.NewReader(conn),
		store:      store,
		broker:     broker,
		writeQueue: make(chan []byte, WriteQueueSize),
		log:        log.With(zap.String("client", addr)),
		trace:      trace,
	}
}

// Close hangs up on the client and waits for the read/write loops to exit.
// Start must have been called.
func (t *TCPConn) Close() error {
	var err error

	t.closeOnce.Do(func() {
		t.cancel()
		t.broker.remove(t)

		err = t.conn.Close()
	})

	<-t.done

	return err
}

// Start runs the read/write loops and returns once both have exited and the
// connection is closed.
func (t *TCPConn) Start() {
	var loopWaiter sync.WaitGroup

	loopWaiter.Add(2)

	go func() {
		defer loopWaiter.Done()
		t.ReadLoop()
	}()

	go func() {
		defer loopWaiter.Done()
		t.WriteLoop()
	}()

	// Cancelling unblocks a read waiting on the client
	stop := context.AfterFunc(t.ctx, func() {
		_ = t.conn.SetReadDeadline(aLongTimeAgo)
	})

	loopWaiter.Wait()
	stop()

	close(t.done)

	if err := t.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.log.Debug("Connection did not close cleanly", zap.Error(err))
	}
}

func (t *TCPConn) ReadLoop() {
	log := t.log.Named("readLoop")

	defer func() {
		// Let the write loop flush what's queued, then stop
		select {
		case t.writeQueue <- nil:
		case <-t.ctx.Done():
		}

		log.Debug("Read loop exited")
	}()

	for {
		req, err := t.reader.ReadValue()
		if err != nil {
			t.readFailed(log, err)
			return
		}

		args, ok := requestArgs(req)
		if !ok {
			_ = protocol.WriteError(t, "ERR Protocol error: expected an array of bulk strings")
			log.Info("Client sent a malformed request, closing")
			return
		}

		if t.trace {
			log.Debug("Request", zap.Stringer("request", req))
		}

		if err := t.dispatch(args); err != nil {
			if errors.Is(err, errQuit) {
				log.Debug("Client QUIT, exiting...")
			} else {
				log.Warn("Failed to reply", zap.Error(err))
			}

			return
		}
	}
}

func (t *TCPConn) readFailed(log *zap.Logger, err error) {
	var protoErr *protocol.ProtocolError

	switch {
	case errors.Is(err, io.EOF):
		log.Debug("Client hung up")

	case errors.As(err, &protoErr):
		log.Info("Client broke the protocol, closing", zap.Error(err))
		_ = protocol.WriteError(t, "ERR Protocol error: "+protoErr.Message)

	case t.ctx.Err() != nil:
		// Closed by the server

	default:
		log.Warn("Failed to read client request", zap.Error(err))
	}
}

func (t *TCPConn) WriteLoop() {
	log := t.log.Named("writeLoop")

	defer func() {
		if cw, ok := t.conn.(interface{ CloseWrite() error }); ok {
			err := cw.CloseWrite()
			if err != nil && !strings.Contains(err.Error(), "transport endpoint is not connected") && !errors.Is(err, net.ErrClosed) {
				log.Warn("Failed to close writes on connection cleanly",
					zap.Error(err))
			}
		}

		log.Debug("Write loop exited")
	}()

	for {
		select {
		case <-t.ctx.Done():
			return

		case data := <-t.writeQueue:
			if data == nil {
				// Our read loop has terminated, we should too
				return
			}

			if _, err := t.conn.Write(data); err != nil {
				log.Warn("Failed to write to client", zap.Error(err))

				// Nothing more can reach the client, stop reading too
				t.cancel()
				return
			}
		}
	}
}

// Write queues data for the write loop. It blocks while the queue is full.
func (t *TCPConn) Write(data []byte) (int, error) {
	if !t.isRunning() {
		return 0, ErrConnClosed
	}

	select {
	case t.writeQueue <- data:
		return len(data), nil

	case <-t.ctx.Done():
		return 0, ErrConnClosed
	}
}

// isRunning returns true if Close has not been called
func (t *TCPConn) isRunning() bool {
	select {
	case <-t.ctx.Done():
		return false

	default:
		return true
	}
}

// requestArgs checks req is a non empty array of bulk strings.
func requestArgs(req protocol.Value) ([][]byte, bool) {
	if req.Type != protocol.TypeArray || req.Null || len(req.Array) == 0 {
		return nil, false
	}

	args := make([][]byte, len(req.Array))
	for i, arg := range req.Array {
		if arg.Type != protocol.TypeBulkString || arg.Null {
			return nil, false
		}

		args[i] = arg.Str
	}

	return args, true
}
