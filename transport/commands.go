package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luma/redwire/protocol"
	"github.com/luma/redwire/storage"
)

// storeTimeout bounds a single store call.
const storeTimeout = 3 * time.Second

var errQuit = errors.New("client quit")

type handler func(t *TCPConn, args [][]byte) error

type command struct {
	// arity counts the command name. Negative means at least -arity.
	arity   int
	handler handler
}

var commands = map[protocol.Command]command{
	protocol.PING:       {-1, handlePing},
	protocol.ECHO:       {2, handleEcho},
	protocol.QUIT:       {-1, handleQuit},
	protocol.GET:        {2, handleGet},
	protocol.SET:        {-3, handleSet},
	protocol.DEL:        {-2, handleDel},
	protocol.EXISTS:     {-2, handleExists},
	protocol.INCR:       {2, handleIncr},
	protocol.PUBLISH:    {3, handlePublish},
	protocol.SUBSCRIBE:  {-2, handleSubscribe},
	protocol.PSUBSCRIBE: {-2, handlePSubscribe},
	protocol.MONITOR:    {1, handleMonitor},
}

// allowedWhileSubscribed are the only commands a subscribed connection may
// send.
var allowedWhileSubscribed = map[protocol.Command]struct{}{
	protocol.SUBSCRIBE:  {},
	protocol.PSUBSCRIBE: {},
	protocol.PING:       {},
	protocol.QUIT:       {},
}

// dispatch runs one request. It returns errQuit when the connection should
// be closed once the reply is flushed, other errors mean a reply could not
// be written.
func (t *TCPConn) dispatch(args [][]byte) error {
	name := protocol.NormalizeCommand(string(args[0]))

	cmd, ok := commands[name]
	if !ok {
		return protocol.WriteError(t, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}

	if (cmd.arity > 0 && len(args) != cmd.arity) || (cmd.arity < 0 && len(args) < -cmd.arity) {
		return protocol.WriteError(t, fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name.String())))
	}

	if t.subscribed {
		if _, ok := allowedWhileSubscribed[name]; !ok {
			return protocol.WriteError(t, fmt.Sprintf(
				"ERR Can't execute '%s': only (P)SUBSCRIBE / PING / QUIT are allowed in this context",
				strings.ToLower(name.String())))
		}
	}

	if name != protocol.MONITOR && t.broker.hasMonitors() {
		if err := t.broker.feed(t.addr, args); err != nil {
			t.log.Debug("Failed to feed monitors", zap.Error(err))
		}
	}

	return cmd.handler(t, args)
}

func handlePing(t *TCPConn, args [][]byte) error {
	switch len(args) {
	case 1:
		return protocol.WriteSimpleString(t, "PONG")
	case 2:
		return protocol.WriteBulk(t, args[1])
	default:
		return protocol.WriteError(t, "ERR wrong number of arguments for 'ping' command")
	}
}

func handleEcho(t *TCPConn, args [][]byte) error {
	return protocol.WriteBulk(t, args[1])
}

func handleQuit(t *TCPConn, args [][]byte) error {
	if err := protocol.WriteOk(t); err != nil {
		return err
	}

	return errQuit
}

func handleGet(t *TCPConn, args [][]byte) error {
	ctx, cancel := context.WithTimeout(t.ctx, storeTimeout)
	defer cancel()

	value, ok, err := t.store.Get(ctx, args[1])
	if err != nil {
		return t.storeError("GET", err)
	}

	if !ok {
		return protocol.WriteNullBulk(t)
	}

	return protocol.WriteBulk(t, value)
}

// handleSet supports the plain form only, options are a syntax error.
func handleSet(t *TCPConn, args [][]byte) error {
	if len(args) > 3 {
		return protocol.WriteError(t, "ERR syntax error")
	}

	ctx, cancel := context.WithTimeout(t.ctx, storeTimeout)
	defer cancel()

	if err := t.store.Set(ctx, args[1], args[2]); err != nil {
		return t.storeError("SET", err)
	}

	return protocol.WriteOk(t)
}

func handleDel(t *TCPConn, args [][]byte) error {
	ctx, cancel := context.WithTimeout(t.ctx, storeTimeout)
	defer cancel()

	n, err := t.store.Del(ctx, args[1:]...)
	if err != nil {
		return t.storeError("DEL", err)
	}

	return protocol.WriteInteger(t, n)
}

func handleExists(t *TCPConn, args [][]byte) error {
	ctx, cancel := context.WithTimeout(t.ctx, storeTimeout)
	defer cancel()

	n, err := t.store.Exists(ctx, args[1:]...)
	if err != nil {
		return t.storeError("EXISTS", err)
	}

	return protocol.WriteInteger(t, n)
}

func handleIncr(t *TCPConn, args [][]byte) error {
	ctx, cancel := context.WithTimeout(t.ctx, storeTimeout)
	defer cancel()

	n, err := t.store.Incr(ctx, args[1])
	if err != nil {
		return t.storeError("INCR", err)
	}

	return protocol.WriteInteger(t, n)
}

func handlePublish(t *TCPConn, args [][]byte) error {
	n, err := t.broker.publish(string(args[1]), args[2])
	if err != nil {
		t.log.Debug("Some subscribers missed a message",
			zap.ByteString("channel", args[1]),
			zap.Error(err))
	}

	return protocol.WriteInteger(t, n)
}

func handleSubscribe(t *TCPConn, args [][]byte) error {
	t.subscribed = true

	for _, channel := range args[1:] {
		if err := t.broker.subscribe(t, channel); err != nil {
			return err
		}
	}

	return nil
}

func handlePSubscribe(t *TCPConn, args [][]byte) error {
	t.subscribed = true

	for _, pattern := range args[1:] {
		if err := t.broker.psubscribe(t, pattern); err != nil {
			return err
		}
	}

	return nil
}

func handleMonitor(t *TCPConn, args [][]byte) error {
	return t.broker.monitor(t)
}

// storeError answers a failed store call. Refusals the client caused are
// not logged.
func (t *TCPConn) storeError(cmd string, err error) error {
	if errors.Is(err, storage.ErrNotInteger) || errors.Is(err, storage.ErrEmptyKey) {
		return protocol.WriteError(t, "ERR "+err.Error())
	}

	t.log.Warn("Store failed",
		zap.String("command", cmd),
		zap.Error(err))

	return protocol.WriteError(t, "ERR "+err.Error())
}
