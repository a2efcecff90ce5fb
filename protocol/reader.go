package protocol

import (
	"bytes"
	"errors"
	"io"
	"syscall"
)

const (
	defaultBufSize = 4096
	minBufSize     = 16

	// maxConsecutiveEmptyReads bounds how many times a Read may return 0, nil
	// before we give up on the underlying reader.
	maxConsecutiveEmptyReads = 100
)

var (
	ErrNegativeCount = errors.New("Negative count passed to ReadExact")
	ErrLineTooLong   = errors.New("Line is too long, no newline found within the line length limit")

	errNegativeRead = errors.New("Reader returned a negative count from Read")
)

// Reader buffers reads from a socket so that many small protocol reads are
// served by few system calls.
//
// The buffer is a single arena with a read cursor r and a write cursor w.
// Bytes are appended at w and consumed from r. Unconsumed bytes carry over
// between calls. When the tail of the arena is full the pending bytes are slid
// back to the start, the arena only grows when the pending bytes alone don't
// fit.
//
// Slices returned by ReadExact and ReadLine point into the arena and are only
// valid until the next call on the Reader.
type Reader struct {
	rd  io.Reader
	buf []byte

	r, w int

	// scan is where the next search for '\n' starts. buf[r:scan] is known not
	// to contain one.
	scan int

	// err is a read error that arrived together with data. It is returned by
	// the next fill.
	err error
}

func NewReader(rd io.Reader) *Reader {
	return NewReaderSize(rd, defaultBufSize)
}

func NewReaderSize(rd io.Reader, size int) *Reader {
	if size < minBufSize {
		size = minBufSize
	}

	return &Reader{
		rd:  rd,
		buf: make([]byte, size),
	}
}

// Reset discards any buffered data and switches the Reader to read from rd.
func (b *Reader) Reset(rd io.Reader) {
	b.rd = rd
	b.r, b.w, b.scan = 0, 0, 0
	b.err = nil
}

// Buffered returns the number of bytes that can be read without touching the
// underlying reader.
func (b *Reader) Buffered() int {
	return b.w - b.r
}

// ReadExact returns exactly n bytes.
//
// If the underlying reader hits EOF first, whatever was accumulated is
// returned along with io.ErrUnexpectedEOF, or io.EOF if nothing was.
func (b *Reader) ReadExact(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeCount
	}

	if n > len(b.buf) {
		b.grow(n)
	}

	for b.w-b.r < n {
		if err := b.fill(); err != nil {
			return b.drain(err)
		}
	}

	p := b.buf[b.r : b.r+n]
	b.r += n

	return p, nil
}

// ReadLine returns the bytes up to and including the next '\n'.
//
// Only bytes that haven't been scanned before are searched, so a line that
// trickles in over many reads is not rescanned from the start each time.
func (b *Reader) ReadLine() ([]byte, error) {
	if b.scan < b.r {
		b.scan = b.r
	}

	for {
		if i := bytes.IndexByte(b.buf[b.scan:b.w], '\n'); i >= 0 {
			end := b.scan + i + 1
			line := b.buf[b.r:end]
			b.r = end
			b.scan = end

			return line, nil
		}

		b.scan = b.w

		if b.w-b.r >= MaxLineLength {
			return nil, ErrLineTooLong
		}

		if err := b.fill(); err != nil {
			return b.drain(err)
		}
	}
}

// drain hands back whatever is buffered after a read failed.
func (b *Reader) drain(err error) ([]byte, error) {
	p := b.buf[b.r:b.w]
	b.r = b.w
	b.scan = b.w

	if errors.Is(err, io.EOF) {
		if len(p) == 0 {
			return nil, io.EOF
		}

		err = io.ErrUnexpectedEOF
	}

	return p, err
}

// fill reads one more chunk from the underlying reader into the arena.
func (b *Reader) fill() error {
	if b.err != nil {
		err := b.err
		b.err = nil
		return err
	}

	if b.r == b.w {
		// Nothing pending, rewind for free
		b.r, b.w, b.scan = 0, 0, 0
	}

	if b.w == len(b.buf) {
		if b.r > 0 {
			b.compact()
		} else {
			b.grow(2 * len(b.buf))
		}
	}

	for i := maxConsecutiveEmptyReads; i > 0; {
		n, err := b.rd.Read(b.buf[b.w:])
		if n < 0 {
			panic(errNegativeRead)
		}

		b.w += n

		if err != nil && !errors.Is(err, syscall.EINTR) {
			if n > 0 {
				b.err = err
				return nil
			}

			return err
		}

		if n > 0 {
			return nil
		}

		if err != nil {
			// Interrupted before anything arrived, try again
			continue
		}

		i--
	}

	return io.ErrNoProgress
}

// compact slides the pending bytes to the start of the arena.
func (b *Reader) compact() {
	if b.scan < b.r {
		b.scan = b.r
	}

	copy(b.buf, b.buf[b.r:b.w])
	b.w -= b.r
	b.scan -= b.r
	b.r = 0
}

// grow makes the arena at least size bytes, keeping the pending bytes.
func (b *Reader) grow(size int) {
	if size <= len(b.buf) {
		return
	}

	if size < 2*len(b.buf) {
		size = 2 * len(b.buf)
	}

	if b.scan < b.r {
		b.scan = b.r
	}

	buf := make([]byte, size)
	copy(buf, b.buf[b.r:b.w])

	b.w -= b.r
	b.scan -= b.r
	b.r = 0
	b.buf = buf
}
