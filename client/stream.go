package client

import (
	"context"
	"fmt"

	"github.com/luma/redwire/protocol"
)

// Stream is the unbounded sequence of replies to a streaming command. It can't
// be restarted. Stop pulling and Close it when done, Close also unblocks a
// Next waiting on another goroutine.
type Stream struct {
	conn    *Conn
	command protocol.Command
}

func (s *Stream) Command() protocol.Command {
	return s.command
}

// Next decodes the next pushed reply. It blocks until one arrives, ctx is
// done, or the configured timeout expires. Errors other than server error
// replies close the stream.
func (s *Stream) Next(ctx context.Context) (protocol.Value, error) {
	if s.conn.State() != StateStreaming {
		return protocol.Value{}, ErrClosed
	}

	disarm, err := s.conn.arm(ctx)
	if err != nil {
		return protocol.Value{}, err
	}
	defer disarm()

	return s.conn.receive(ctx)
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// Message is a pub/sub push decoded from a stream value.
type Message struct {
	// Kind is subscribe, psubscribe, message or pmessage.
	Kind    string
	Pattern string
	Channel string
	Payload []byte

	// Count is the number of active subscriptions, set on subscribe
	// confirmations.
	Count int64
}

// ParseMessage interprets a value received from a SUBSCRIBE or PSUBSCRIBE
// stream.
func ParseMessage(v protocol.Value) (Message, error) {
	if v.Type != protocol.TypeArray || len(v.Array) < 3 {
		return Message{}, unexpectedReply("pub/sub message", v.Type)
	}

	kind := string(v.Array[0].Str)
	msg := Message{Kind: kind}

	switch kind {
	case "message":
		msg.Channel = string(v.Array[1].Str)
		msg.Payload = v.Array[2].Str

	case "pmessage":
		if len(v.Array) < 4 {
			return Message{}, unexpectedReply("pmessage", fmt.Sprintf("%d elements", len(v.Array)))
		}

		msg.Pattern = string(v.Array[1].Str)
		msg.Channel = string(v.Array[2].Str)
		msg.Payload = v.Array[3].Str

	case "subscribe", "psubscribe", "unsubscribe", "punsubscribe":
		msg.Channel = string(v.Array[1].Str)
		msg.Count = v.Array[2].Int

	default:
		return Message{}, unexpectedReply("pub/sub message", kind)
	}

	return msg, nil
}
