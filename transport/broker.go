package transport

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/match"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/redwire/protocol"
)

// broker fans pub/sub messages and MONITOR lines out to connections across
// every listener.
type broker struct {
	mu sync.RWMutex

	channels map[string]map[*TCPConn]struct{}
	patterns map[string]map[*TCPConn]struct{}

	// subscriptions counts channels plus patterns per connection
	subscriptions map[*TCPConn]int64

	monitors map[*TCPConn]struct{}

	log *zap.Logger
}

func newBroker(log *zap.Logger) *broker {
	return &broker{
		channels:      make(map[string]map[*TCPConn]struct{}),
		patterns:      make(map[string]map[*TCPConn]struct{}),
		subscriptions: make(map[*TCPConn]int64),
		monitors:      make(map[*TCPConn]struct{}),
		log:           log,
	}
}

// subscribe adds conn to channel and confirms it with how many
// subscriptions conn now has. Both happen under the lock so a concurrent
// publish cannot get its message out ahead of the confirmation.
func (b *broker) subscribe(conn *TCPConn, channel []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := b.add(b.channels, conn, string(channel))

	return protocol.WriteArray(conn,
		protocol.BulkString("subscribe"),
		protocol.Bulk(channel),
		protocol.Integer(count),
	)
}

func (b *broker) psubscribe(conn *TCPConn, pattern []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := b.add(b.patterns, conn, string(pattern))

	return protocol.WriteArray(conn,
		protocol.BulkString("psubscribe"),
		protocol.Bulk(pattern),
		protocol.Integer(count),
	)
}

func (b *broker) add(index map[string]map[*TCPConn]struct{}, conn *TCPConn, name string) int64 {
	conns, ok := index[name]
	if !ok {
		conns = make(map[*TCPConn]struct{})
		index[name] = conns
	}

	if _, ok := conns[conn]; !ok {
		conns[conn] = struct{}{}
		b.subscriptions[conn]++
	}

	return b.subscriptions[conn]
}

// monitor acknowledges MONITOR and registers conn in one step, so the OK
// comes before any fed command.
func (b *broker) monitor(conn *TCPConn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := protocol.WriteOk(conn); err != nil {
		return err
	}

	b.monitors[conn] = struct{}{}
	return nil
}

// remove drops every subscription conn holds.
func (b *broker) remove(conn *TCPConn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscriptions[conn]; ok {
		b.drop(b.channels, conn)
		b.drop(b.patterns, conn)
		delete(b.subscriptions, conn)

		b.log.Debug("Dropped subscriptions", zap.String("client", conn.addr))
	}

	delete(b.monitors, conn)
}

func (b *broker) drop(index map[string]map[*TCPConn]struct{}, conn *TCPConn) {
	for name, conns := range index {
		delete(conns, conn)

		if len(conns) == 0 {
			delete(index, name)
		}
	}
}

// publish delivers payload to subscribers of channel and to every pattern
// matching it. It returns the number of deliveries.
func (b *broker) publish(channel string, payload []byte) (n int64, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if conns, ok := b.channels[channel]; ok {
		frame := protocol.AppendValue(nil, protocol.ArrayOf(
			protocol.BulkString("message"),
			protocol.BulkString(channel),
			protocol.Bulk(payload),
		))

		for conn := range conns {
			if _, werr := conn.Write(frame); werr != nil {
				err = multierr.Append(err, werr)
				continue
			}

			n++
		}
	}

	for pattern, conns := range b.patterns {
		if !match.Match(channel, pattern) {
			continue
		}

		frame := protocol.AppendValue(nil, protocol.ArrayOf(
			protocol.BulkString("pmessage"),
			protocol.BulkString(pattern),
			protocol.BulkString(channel),
			protocol.Bulk(payload),
		))

		for conn := range conns {
			if _, werr := conn.Write(frame); werr != nil {
				err = multierr.Append(err, werr)
				continue
			}

			n++
		}
	}

	return n, err
}

func (b *broker) hasMonitors() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.monitors) > 0
}

// feed sends one command, as received from addr, to every MONITOR
// connection. e.g.
//
//	+1339518083.107412 [0 127.0.0.1:60866] "SET" "foo" "bar"
func (b *broker) feed(addr string, args [][]byte) (err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.monitors) == 0 {
		return nil
	}

	frame := protocol.AppendValue(nil, protocol.SimpleString(monitorLine(time.Now(), addr, args)))

	for conn := range b.monitors {
		if _, werr := conn.Write(frame); werr != nil {
			err = multierr.Append(err, werr)
		}
	}

	return err
}

func monitorLine(now time.Time, addr string, args [][]byte) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%d.%06d [0 %s]", now.Unix(), now.Nanosecond()/int(time.Microsecond), addr)

	for _, arg := range args {
		sb.WriteByte(' ')
		sb.WriteString(strconv.Quote(string(arg)))
	}

	return sb.String()
}
