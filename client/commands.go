package client

import (
	"context"

	"github.com/luma/redwire/protocol"
)

// A small set of typed commands. Everything else goes through Execute.

func (c *Conn) Ping(ctx context.Context) error {
	v, err := c.Execute(ctx, protocol.PING.String())
	if err != nil {
		return err
	}

	if err := v.Err(); err != nil {
		return err
	}

	if v.Type != protocol.TypeSimpleString || string(v.Str) != "PONG" {
		return unexpectedReply("PING", v)
	}

	return nil
}

func (c *Conn) Echo(ctx context.Context, message string) (string, error) {
	v, err := c.bulk(ctx, protocol.ECHO, message)
	if err != nil {
		return "", err
	}

	return string(v.Str), nil
}

// Get returns the value stored at key. ok is false if the key doesn't exist,
// which is not the same as an empty value.
func (c *Conn) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	v, err := c.bulk(ctx, protocol.GET, key)
	if err != nil {
		return nil, false, err
	}

	if v.IsNull() {
		return nil, false, nil
	}

	return v.Str, true, nil
}

func (c *Conn) Set(ctx context.Context, key string, value interface{}) error {
	v, err := c.Execute(ctx, protocol.SET.String(), key, value)
	if err != nil {
		return err
	}

	if err := v.Err(); err != nil {
		return err
	}

	if v.Type != protocol.TypeSimpleString {
		return unexpectedReply("SET", v)
	}

	return nil
}

// Del removes keys and returns how many existed.
func (c *Conn) Del(ctx context.Context, keys ...string) (int64, error) {
	return c.integer(ctx, protocol.DEL, stringArgs(keys)...)
}

func (c *Conn) Incr(ctx context.Context, key string) (int64, error) {
	return c.integer(ctx, protocol.INCR, key)
}

// Publish sends message to channel and returns how many subscribers got it.
func (c *Conn) Publish(ctx context.Context, channel string, message interface{}) (int64, error) {
	return c.integer(ctx, protocol.PUBLISH, channel, message)
}

// Quit asks the server to hang up and closes the connection.
func (c *Conn) Quit(ctx context.Context) error {
	v, err := c.Execute(ctx, protocol.QUIT.String())
	if cerr := c.Close(); err == nil && cerr != nil {
		err = cerr
	}

	if err != nil {
		return err
	}

	return v.Err()
}

func (c *Conn) Subscribe(ctx context.Context, channels ...string) (*Stream, error) {
	return c.ExecuteStreaming(ctx, protocol.SUBSCRIBE.String(), stringArgs(channels)...)
}

func (c *Conn) PSubscribe(ctx context.Context, patterns ...string) (*Stream, error) {
	return c.ExecuteStreaming(ctx, protocol.PSUBSCRIBE.String(), stringArgs(patterns)...)
}

func (c *Conn) Monitor(ctx context.Context) (*Stream, error) {
	return c.ExecuteStreaming(ctx, protocol.MONITOR.String())
}

// bulk runs a command that replies with a bulk string.
func (c *Conn) bulk(ctx context.Context, cmd protocol.Command, args ...interface{}) (protocol.Value, error) {
	v, err := c.Execute(ctx, cmd.String(), args...)
	if err != nil {
		return v, err
	}

	if err := v.Err(); err != nil {
		return v, err
	}

	if v.Type != protocol.TypeBulkString {
		return v, unexpectedReply(cmd.String(), v)
	}

	return v, nil
}

// integer runs a command that replies with an integer.
func (c *Conn) integer(ctx context.Context, cmd protocol.Command, args ...interface{}) (int64, error) {
	v, err := c.Execute(ctx, cmd.String(), args...)
	if err != nil {
		return 0, err
	}

	if err := v.Err(); err != nil {
		return 0, err
	}

	if v.Type != protocol.TypeInteger {
		return 0, unexpectedReply(cmd.String(), v)
	}

	return v.Int, nil
}

func stringArgs(ss []string) []interface{} {
	args := make([]interface{}, len(ss))
	for i, s := range ss {
		args[i] = s
	}

	return args
}
