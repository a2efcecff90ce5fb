package protocol

import (
	"strconv"
	"strings"
)

// ValueType is the one byte tag that starts every RESP frame.
type ValueType byte

const (
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

func (t ValueType) String() string {
	switch t {
	case TypeSimpleString:
		return "simple string"
	case TypeError:
		return "error"
	case TypeInteger:
		return "integer"
	case TypeBulkString:
		return "bulk string"
	case TypeArray:
		return "array"
	default:
		return "unknown(" + strconv.QuoteRune(rune(t)) + ")"
	}
}

// Value is a single decoded (or to be encoded) RESP frame.
//
// Str holds the text of simple strings and errors and the payload of bulk
// strings. Int holds integers. Array holds the elements of arrays.
//
// Null is only meaningful for bulk strings and arrays, where it marks the
// protocol's null form. A present but empty bulk string or array has Null set
// to false and a non-nil, zero length Str or Array.
type Value struct {
	Type  ValueType
	Str   []byte
	Int   int64
	Array []Value
	Null  bool
}

// ReplyError is an error reported by the server in a `-` frame. It is a normal
// reply, the connection that produced it is still usable.
type ReplyError string

func (e ReplyError) Error() string {
	return string(e)
}

// Prefix returns the first word of the error, e.g. ERR or WRONGTYPE.
func (e ReplyError) Prefix() string {
	s := string(e)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}

	return s
}

func SimpleString(s string) Value {
	return Value{Type: TypeSimpleString, Str: []byte(s)}
}

func ErrorValue(msg string) Value {
	return Value{Type: TypeError, Str: []byte(msg)}
}

func Integer(n int64) Value {
	return Value{Type: TypeInteger, Int: n}
}

func Bulk(b []byte) Value {
	if b == nil {
		b = []byte{}
	}

	return Value{Type: TypeBulkString, Str: b}
}

func BulkString(s string) Value {
	return Bulk([]byte(s))
}

func NullBulk() Value {
	return Value{Type: TypeBulkString, Null: true}
}

func ArrayOf(values ...Value) Value {
	if values == nil {
		values = []Value{}
	}

	return Value{Type: TypeArray, Array: values}
}

func NullArray() Value {
	return Value{Type: TypeArray, Null: true}
}

// IsNull reports whether v is a null bulk string or a null array.
func (v Value) IsNull() bool {
	return v.Null && (v.Type == TypeBulkString || v.Type == TypeArray)
}

func (v Value) IsError() bool {
	return v.Type == TypeError
}

// Err returns the server error carried by v, or nil if v is not an error reply.
func (v Value) Err() error {
	if v.Type != TypeError {
		return nil
	}

	return ReplyError(v.Str)
}

// Bytes returns the payload of a simple string, error or bulk string.
func (v Value) Bytes() []byte {
	return v.Str
}

// Integer returns the value of an integer reply. Bulk and simple strings that
// hold a decimal number are converted, as servers often send counts that way.
func (v Value) Integer() (int64, error) {
	switch v.Type {
	case TypeInteger:
		return v.Int, nil

	case TypeSimpleString, TypeBulkString:
		if v.Null {
			return 0, ErrNullValue
		}

		return strconv.ParseInt(string(v.Str), 10, 64)

	default:
		return 0, ErrWrongType
	}
}

// String renders v roughly the way redis-cli does. It is meant for humans and
// logs, not for the wire.
func (v Value) String() string {
	var sb strings.Builder
	v.format(&sb, "")
	return sb.String()
}

func (v Value) format(sb *strings.Builder, indent string) {
	switch v.Type {
	case TypeSimpleString:
		sb.Write(v.Str)

	case TypeError:
		sb.WriteString("(error) ")
		sb.Write(v.Str)

	case TypeInteger:
		sb.WriteString("(integer) ")
		sb.WriteString(strconv.FormatInt(v.Int, 10))

	case TypeBulkString:
		if v.Null {
			sb.WriteString("(nil)")
			return
		}

		sb.WriteString(strconv.Quote(string(v.Str)))

	case TypeArray:
		if v.Null {
			sb.WriteString("(nil array)")
			return
		}

		if len(v.Array) == 0 {
			sb.WriteString("(empty array)")
			return
		}

		for i, elem := range v.Array {
			if i > 0 {
				sb.WriteByte('\n')
				sb.WriteString(indent)
			}

			label := strconv.Itoa(i+1) + ") "
			sb.WriteString(label)
			elem.format(sb, indent+strings.Repeat(" ", len(label)))
		}

	default:
		sb.WriteString(v.Type.String())
	}
}
