package protocol

import (
	"errors"
	"fmt"
	"io"
)

const (
	// MaxLineLength is the longest control line (type tag, payload and CRLF)
	// the Reader will buffer while looking for a newline.
	MaxLineLength = 64 * 1024

	// MaxBulkLength is the largest bulk string payload that will be accepted.
	MaxBulkLength = 512 * 1024 * 1024

	// MaxArrayLength is the largest element count accepted for one array.
	MaxArrayLength = 1024 * 1024

	// maxIntDigits is the number of digits that can't overflow a uint64.
	maxIntDigits = 19
)

var (
	ErrNullValue = errors.New("Value is null")
	ErrWrongType = errors.New("Value has the wrong type for this operation")
)

// ReadValue decodes exactly one Value from r, reading as many nested values
// as an array frame announces.
func ReadValue(r *Reader) (Value, error) {
	return r.ReadValue()
}

// ReadValue decodes exactly one Value.
//
// Server error replies are returned as a Value of TypeError, not as a Go
// error. A non-nil error is either a *ProtocolError, meaning the stream can't
// be trusted any more, or the error of the underlying reader.
func (b *Reader) ReadValue() (Value, error) {
	line, err := b.ReadLine()
	if errors.Is(err, ErrLineTooLong) {
		// The head of the line is enough to tell what it was
		return Value{}, newProtocolError("line too long", b.buf[b.r:b.r+16])
	}

	if err != nil {
		return Value{}, err
	}

	if len(line) < 3 || line[len(line)-2] != '\r' {
		return Value{}, newProtocolError("line is not terminated by CRLF", line)
	}

	tag := ValueType(line[0])
	payload := line[1 : len(line)-2]

	switch tag {
	case TypeSimpleString, TypeError:
		return Value{Type: tag, Str: append([]byte{}, payload...)}, nil

	case TypeInteger:
		n, ok := parseInt(payload)
		if !ok {
			return Value{}, newProtocolError("invalid integer", payload)
		}

		return Integer(n), nil

	case TypeBulkString:
		return b.readBulk(payload)

	case TypeArray:
		return b.readArray(payload)

	default:
		return Value{}, newProtocolError(fmt.Sprintf("unexpected type byte %q", line[0]), line)
	}
}

func (b *Reader) readBulk(header []byte) (Value, error) {
	size, ok := parseInt(header)
	if !ok {
		return Value{}, newProtocolError("invalid bulk string length", header)
	}

	if size == -1 {
		return NullBulk(), nil
	}

	if size < 0 || size > MaxBulkLength {
		return Value{}, newProtocolError(fmt.Sprintf("bulk string length %d out of range", size), header)
	}

	data, err := b.ReadExact(int(size) + 2)
	if err != nil {
		return Value{}, err
	}

	if data[size] != '\r' || data[size+1] != '\n' {
		return Value{}, newProtocolError("bulk string is not terminated by CRLF", data[size:])
	}

	// data points into the reader's arena, the Value needs its own copy
	str := make([]byte, size)
	copy(str, data)

	return Value{Type: TypeBulkString, Str: str}, nil
}

func (b *Reader) readArray(header []byte) (Value, error) {
	count, ok := parseInt(header)
	if !ok {
		return Value{}, newProtocolError("invalid array length", header)
	}

	if count == -1 {
		return NullArray(), nil
	}

	if count < 0 || count > MaxArrayLength {
		return Value{}, newProtocolError(fmt.Sprintf("array length %d out of range", count), header)
	}

	// Don't trust the header for the allocation, it's only a hint
	capacity := count
	if capacity > 1024 {
		capacity = 1024
	}

	elems := make([]Value, 0, capacity)
	for i := int64(0); i < count; i++ {
		elem, err := b.ReadValue()
		if err == io.EOF {
			// The array header promised more
			return Value{}, io.ErrUnexpectedEOF
		}

		if err != nil {
			return Value{}, err
		}

		elems = append(elems, elem)
	}

	return Value{Type: TypeArray, Array: elems}, nil
}

// parseInt parses a signed decimal without allocating. Only an optional
// leading '-' and digits are accepted.
func parseInt(b []byte) (int64, bool) {
	neg := false
	if len(b) > 0 && b[0] == '-' {
		neg = true
		b = b[1:]
	}

	if len(b) == 0 || len(b) > maxIntDigits {
		return 0, false
	}

	var n uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}

		n = n*10 + uint64(c-'0')
	}

	if neg {
		if n > 1<<63 {
			return 0, false
		}

		return int64(-n), true
	}

	if n > 1<<63-1 {
		return 0, false
	}

	return int64(n), true
}
