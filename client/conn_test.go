package client_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/redwire/client"
	"github.com/luma/redwire/protocol"
)

// fakeServer is the far end of a net.Pipe. It reads one request per scripted
// reply and records what it got.
type fakeServer struct {
	conn     net.Conn
	reader   *protocol.Reader
	requests chan []string
}

func newFakeServer(options client.Options) (*client.Conn, *fakeServer) {
	clientSide, serverSide := net.Pipe()

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	server := &fakeServer{
		conn:     serverSide,
		reader:   protocol.NewReader(serverSide),
		requests: make(chan []string, 16),
	}

	return client.NewConn(clientSide, options), server
}

// reply answers the next len(replies) requests, in order.
func (s *fakeServer) reply(replies ...string) {
	go func() {
		defer GinkgoRecover()

		for _, reply := range replies {
			if !s.readRequest() {
				return
			}

			if _, err := s.conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()
}

// replyInBytes answers one request, writing the reply a byte at a time.
func (s *fakeServer) replyInBytes(reply string) {
	go func() {
		defer GinkgoRecover()

		if !s.readRequest() {
			return
		}

		for i := 0; i < len(reply); i++ {
			if _, err := s.conn.Write([]byte{reply[i]}); err != nil {
				return
			}
		}
	}()
}

// swallow reads one request and never answers it.
func (s *fakeServer) swallow() {
	go func() {
		defer GinkgoRecover()
		s.readRequest()
	}()
}

func (s *fakeServer) push(data string) {
	go func() {
		defer GinkgoRecover()
		_, _ = s.conn.Write([]byte(data))
	}()
}

func (s *fakeServer) readRequest() bool {
	v, err := s.reader.ReadValue()
	if err != nil {
		return false
	}

	parts := make([]string, 0, len(v.Array))
	for _, elem := range v.Array {
		parts = append(parts, string(elem.Str))
	}

	s.requests <- parts
	return true
}

func (s *fakeServer) Close() {
	s.conn.Close()
}

var _ = Describe("Conn", func() {
	var (
		ctx    context.Context
		conn   *client.Conn
		server *fakeServer
	)

	BeforeEach(func() {
		ctx = context.Background()
		conn, server = newFakeServer(client.Options{})
	})

	AfterEach(func() {
		conn.Close()
		server.Close()
	})

	Describe("Execute()", func() {
		It("sends the command and decodes one reply", func() {
			server.reply("+OK\r\n")

			v, err := conn.Execute(ctx, "SET", "foo", "bar")
			Expect(err).To(Succeed())
			Expect(v).To(Equal(protocol.SimpleString("OK")))
			Expect(server.requests).To(Receive(Equal([]string{"SET", "foo", "bar"})))
			Expect(conn.State()).To(Equal(client.StateConnected))
		})

		It("sends numbers as decimal text", func() {
			server.reply(":1\r\n")

			_, err := conn.Execute(ctx, "EXPIRE", "foo", 60)
			Expect(err).To(Succeed())
			Expect(server.requests).To(Receive(Equal([]string{"EXPIRE", "foo", "60"})))
		})

		It("decodes replies that arrive one byte at a time", func() {
			server.replyInBytes("*3\r\n$3\r\nfoo\r\n$-1\r\n*2\r\n:1\r\n$0\r\n\r\n")

			v, err := conn.Execute(ctx, "MGET", "a", "b", "c")
			Expect(err).To(Succeed())
			Expect(v).To(Equal(protocol.ArrayOf(
				protocol.BulkString("foo"),
				protocol.NullBulk(),
				protocol.ArrayOf(protocol.Integer(1), protocol.BulkString("")),
			)))
		})

		It("runs many exchanges in a row on the same connection", func() {
			server.reply(":1\r\n", ":2\r\n", ":3\r\n")

			for i := int64(1); i <= 3; i++ {
				v, err := conn.Execute(ctx, "INCR", "x")
				Expect(err).To(Succeed())
				Expect(v).To(Equal(protocol.Integer(i)))
			}
		})

		It("returns server errors as values and stays usable", func() {
			server.reply("-ERR bad arg\r\n", "+PONG\r\n")

			v, err := conn.Execute(ctx, "SET")
			Expect(err).To(Succeed())
			Expect(v.Err()).To(MatchError("ERR bad arg"))
			Expect(conn.State()).To(Equal(client.StateConnected))

			Expect(conn.Ping(ctx)).To(Succeed())
		})

		It("closes the connection on a protocol error", func() {
			server.reply("XOK\r\n")

			_, err := conn.Execute(ctx, "PING")

			var protoErr *protocol.ProtocolError
			Expect(errors.As(err, &protoErr)).To(BeTrue())
			Expect(conn.State()).To(Equal(client.StateClosed))

			_, err = conn.Execute(ctx, "PING")
			Expect(err).To(MatchError(client.ErrClosed))
		})

		It("closes the connection when a reply line never ends", func() {
			server.reply("+" + strings.Repeat("x", protocol.MaxLineLength+10))

			_, err := conn.Execute(ctx, "PING")

			var protoErr *protocol.ProtocolError
			Expect(errors.As(err, &protoErr)).To(BeTrue())
			Expect(protoErr.Message).To(Equal("line too long"))

			var transportErr *client.TransportError
			Expect(errors.As(err, &transportErr)).To(BeFalse())
			Expect(conn.State()).To(Equal(client.StateClosed))
		})

		It("closes the connection when the server hangs up mid reply", func() {
			go func() {
				defer GinkgoRecover()
				server.readRequest()
				server.conn.Write([]byte("$10\r\nhel"))
				server.Close()
			}()

			_, err := conn.Execute(ctx, "GET", "foo")

			var transportErr *client.TransportError
			Expect(errors.As(err, &transportErr)).To(BeTrue())
			Expect(errors.Is(err, io.ErrUnexpectedEOF)).To(BeTrue())
			Expect(conn.State()).To(Equal(client.StateClosed))
		})

		It("leaves the connection alone when an argument cannot be encoded", func() {
			_, err := conn.Execute(ctx, "SET", "foo", struct{}{})
			Expect(errors.Is(err, protocol.ErrUnsupportedArg)).To(BeTrue())
			Expect(conn.State()).To(Equal(client.StateConnected))
		})

		It("refuses streaming commands", func() {
			_, err := conn.Execute(ctx, "subscribe", "news")
			Expect(errors.Is(err, client.ErrStreamingCommand)).To(BeTrue())
		})

		It("fails fast on an already cancelled context", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			_, err := conn.Execute(cancelled, "PING")
			Expect(err).To(MatchError(context.Canceled))
			Expect(conn.State()).To(Equal(client.StateConnected))
		})

		It("interrupts a pending call when the context is cancelled", func() {
			server.swallow()

			cancelCtx, cancel := context.WithCancel(ctx)
			time.AfterFunc(20*time.Millisecond, cancel)

			_, err := conn.Execute(cancelCtx, "BLPOP", "queue", 0)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(conn.State()).To(Equal(client.StateClosed))
		})
	})

	Describe("timeouts", func() {
		BeforeEach(func() {
			conn.Close()
			server.Close()
			conn, server = newFakeServer(client.Options{Timeout: 50 * time.Millisecond})
		})

		It("fails with a timeout and closes the connection", func() {
			server.swallow()

			_, err := conn.Execute(ctx, "GET", "foo")

			var transportErr *client.TransportError
			Expect(errors.As(err, &transportErr)).To(BeTrue())
			Expect(transportErr.Timeout()).To(BeTrue())
			Expect(conn.State()).To(Equal(client.StateClosed))
		})

		It("uses a context deadline when it is sooner", func() {
			conn.Close()
			server.Close()
			conn, server = newFakeServer(client.Options{Timeout: time.Hour})
			server.swallow()

			deadlineCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()

			_, err := conn.Execute(deadlineCtx, "GET", "foo")
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})
	})

	Describe("ExecuteStreaming()", func() {
		It("produces every pushed reply without consuming one itself", func() {
			server.reply("*3\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n:1\r\n")

			stream, err := conn.ExecuteStreaming(ctx, "SUBSCRIBE", "news")
			Expect(err).To(Succeed())
			Expect(stream.Command()).To(Equal(protocol.SUBSCRIBE))
			Expect(conn.State()).To(Equal(client.StateStreaming))
			Eventually(server.requests).Should(Receive(Equal([]string{"SUBSCRIBE", "news"})))

			v, err := stream.Next(ctx)
			Expect(err).To(Succeed())

			msg, err := client.ParseMessage(v)
			Expect(err).To(Succeed())
			Expect(msg).To(Equal(client.Message{Kind: "subscribe", Channel: "news", Count: 1}))

			for i := 0; i < 3; i++ {
				server.push("*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$5\r\nhello\r\n")

				v, err = stream.Next(ctx)
				Expect(err).To(Succeed())

				msg, err = client.ParseMessage(v)
				Expect(err).To(Succeed())
				Expect(msg.Kind).To(Equal("message"))
				Expect(msg.Channel).To(Equal("news"))
				Expect(string(msg.Payload)).To(Equal("hello"))
			}
		})

		It("is matched case insensitively", func() {
			server.reply("+OK\r\n")

			stream, err := conn.ExecuteStreaming(ctx, "monitor")
			Expect(err).To(Succeed())

			v, err := stream.Next(ctx)
			Expect(err).To(Succeed())
			Expect(v).To(Equal(protocol.SimpleString("OK")))
		})

		It("makes the connection read only", func() {
			server.reply("+OK\r\n")

			_, err := conn.ExecuteStreaming(ctx, "MONITOR")
			Expect(err).To(Succeed())

			_, err = conn.Execute(ctx, "PING")
			Expect(err).To(MatchError(client.ErrStreaming))

			_, err = conn.ExecuteStreaming(ctx, "MONITOR")
			Expect(err).To(MatchError(client.ErrStreaming))
		})

		It("refuses commands that do not stream", func() {
			_, err := conn.ExecuteStreaming(ctx, "GET", "foo")
			Expect(errors.Is(err, client.ErrNotStreamingCommand)).To(BeTrue())
		})

		It("unblocks a pending Next when the stream is closed", func() {
			server.swallow()

			stream, err := conn.ExecuteStreaming(ctx, "PSUBSCRIBE", "news.*")
			Expect(err).To(Succeed())

			done := make(chan error, 1)
			go func() {
				_, err := stream.Next(ctx)
				done <- err
			}()

			time.Sleep(20 * time.Millisecond)
			Expect(stream.Close()).To(Succeed())

			Eventually(done).Should(Receive(MatchError(client.ErrClosed)))
			Expect(conn.State()).To(Equal(client.StateClosed))

			_, err = stream.Next(ctx)
			Expect(err).To(MatchError(client.ErrClosed))
		})
	})

	Describe("Do()", func() {
		It("routes single reply commands to Execute", func() {
			server.reply("$3\r\nbar\r\n")

			result, err := conn.Do(ctx, "GET", "foo")
			Expect(err).To(Succeed())
			Expect(result.Stream).To(BeNil())
			Expect(result.Value).To(Equal(protocol.BulkString("bar")))
		})

		It("routes streaming commands to ExecuteStreaming", func() {
			server.reply("*3\r\n$10\r\npsubscribe\r\n$1\r\n*\r\n:1\r\n")

			result, err := conn.Do(ctx, "PSUBSCRIBE", "*")
			Expect(err).To(Succeed())
			Expect(result.Stream).NotTo(BeNil())

			v, err := result.Stream.Next(ctx)
			Expect(err).To(Succeed())

			msg, err := client.ParseMessage(v)
			Expect(err).To(Succeed())
			Expect(msg.Kind).To(Equal("psubscribe"))
		})
	})

	Describe("Close()", func() {
		It("can be called more than once", func() {
			Expect(conn.Close()).To(Succeed())
			Expect(conn.Close()).To(Succeed())
			Expect(conn.State()).To(Equal(client.StateClosed))
		})
	})
})
