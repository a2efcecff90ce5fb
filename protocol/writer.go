package protocol

import (
	"encoding"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

var (
	ErrUnsupportedArg = errors.New("Argument cannot be encoded as a bulk string")

	OkReply  = []byte("+OK\r\n")
	Terminal = []byte("\r\n")
)

// AppendCommand appends the request framing for name and args to dst:
//
//   *<1+len(args)>\r\n
//   $<len(name)>\r\n<name>\r\n
//   $<len(arg)>\r\n<arg>\r\n ...
//
// Arguments are coerced with AppendArg.
func AppendCommand(dst []byte, name string, args ...interface{}) ([]byte, error) {
	dst = appendHeader(dst, TypeArray, int64(1+len(args)))
	dst = appendBulk(dst, []byte(name))

	var scratch [64]byte

	for i, arg := range args {
		raw, err := AppendArg(scratch[:0], arg)
		if err != nil {
			return dst, fmt.Errorf("Failed to encode argument %d of %s: %w", i+1, name, err)
		}

		dst = appendBulk(dst, raw)
	}

	return dst, nil
}

// WriteCommand frames a request and hands it to w in a single Write.
func WriteCommand(w io.Writer, name string, args ...interface{}) error {
	b, err := AppendCommand(nil, name, args...)
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

// AppendArg appends the literal bytes of arg. Numbers are written in decimal,
// booleans as 1 or 0.
func AppendArg(dst []byte, arg interface{}) ([]byte, error) {
	switch a := arg.(type) {
	case string:
		return append(dst, a...), nil
	case []byte:
		return append(dst, a...), nil
	case int:
		return strconv.AppendInt(dst, int64(a), 10), nil
	case int8:
		return strconv.AppendInt(dst, int64(a), 10), nil
	case int16:
		return strconv.AppendInt(dst, int64(a), 10), nil
	case int32:
		return strconv.AppendInt(dst, int64(a), 10), nil
	case int64:
		return strconv.AppendInt(dst, a, 10), nil
	case uint:
		return strconv.AppendUint(dst, uint64(a), 10), nil
	case uint8:
		return strconv.AppendUint(dst, uint64(a), 10), nil
	case uint16:
		return strconv.AppendUint(dst, uint64(a), 10), nil
	case uint32:
		return strconv.AppendUint(dst, uint64(a), 10), nil
	case uint64:
		return strconv.AppendUint(dst, a, 10), nil
	case float32:
		return appendFloat(dst, float64(a), 32), nil
	case float64:
		return appendFloat(dst, a, 64), nil
	case bool:
		if a {
			return append(dst, '1'), nil
		}
		return append(dst, '0'), nil
	case encoding.TextMarshaler:
		text, err := a.MarshalText()
		if err != nil {
			return dst, err
		}
		return append(dst, text...), nil
	case fmt.Stringer:
		return append(dst, a.String()...), nil
	default:
		return dst, fmt.Errorf("%w: %T", ErrUnsupportedArg, arg)
	}
}

func appendFloat(dst []byte, f float64, bitSize int) []byte {
	switch {
	case math.IsInf(f, 1):
		return append(dst, "+inf"...)
	case math.IsInf(f, -1):
		return append(dst, "-inf"...)
	default:
		return strconv.AppendFloat(dst, f, 'f', -1, bitSize)
	}
}

// AppendValue appends the wire form of v to dst.
func AppendValue(dst []byte, v Value) []byte {
	switch v.Type {
	case TypeSimpleString, TypeError:
		dst = append(dst, byte(v.Type))
		dst = append(dst, v.Str...)
		return append(dst, Terminal...)

	case TypeInteger:
		return appendHeader(dst, TypeInteger, v.Int)

	case TypeBulkString:
		if v.Null {
			return appendHeader(dst, TypeBulkString, -1)
		}
		return appendBulk(dst, v.Str)

	case TypeArray:
		if v.Null {
			return appendHeader(dst, TypeArray, -1)
		}

		dst = appendHeader(dst, TypeArray, int64(len(v.Array)))
		for _, elem := range v.Array {
			dst = AppendValue(dst, elem)
		}
		return dst

	default:
		return dst
	}
}

func appendHeader(dst []byte, tag ValueType, n int64) []byte {
	dst = append(dst, byte(tag))
	dst = strconv.AppendInt(dst, n, 10)
	return append(dst, Terminal...)
}

func appendBulk(dst []byte, b []byte) []byte {
	dst = appendHeader(dst, TypeBulkString, int64(len(b)))
	dst = append(dst, b...)
	return append(dst, Terminal...)
}

func WriteValue(w io.Writer, v Value) error {
	_, err := w.Write(AppendValue(nil, v))
	return err
}

func WriteOk(w io.Writer) error {
	_, err := w.Write(OkReply)
	return err
}

func WriteSimpleString(w io.Writer, s string) error {
	return WriteValue(w, SimpleString(s))
}

func WriteError(w io.Writer, errMsg string) error {
	return WriteValue(w, ErrorValue(errMsg))
}

func WriteInteger(w io.Writer, n int64) error {
	return WriteValue(w, Integer(n))
}

func WriteBulk(w io.Writer, b []byte) error {
	return WriteValue(w, Bulk(b))
}

func WriteNullBulk(w io.Writer) error {
	return WriteValue(w, NullBulk())
}

// WriteArray writes values as one array frame, e.g. a pub/sub message.
func WriteArray(w io.Writer, values ...Value) error {
	return WriteValue(w, ArrayOf(values...))
}
