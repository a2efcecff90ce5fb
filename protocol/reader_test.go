package protocol_test

import (
	"errors"
	"io"
	"strings"
	"syscall"
	"testing/iotest"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/redwire/protocol"
)

// chunkReader hands out one chunk per Read call and counts the calls.
type chunkReader struct {
	chunks [][]byte
	reads  int
}

func newChunkReader(chunks ...string) *chunkReader {
	c := &chunkReader{}
	for _, chunk := range chunks {
		c.chunks = append(c.chunks, []byte(chunk))
	}

	return c
}

func (c *chunkReader) Read(p []byte) (int, error) {
	c.reads++

	if len(c.chunks) == 0 {
		return 0, io.EOF
	}

	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}

	return n, nil
}

// interruptingReader fails every other Read with EINTR.
type interruptingReader struct {
	rd          io.Reader
	interrupted int
	next        bool
}

func (i *interruptingReader) Read(p []byte) (int, error) {
	i.next = !i.next
	if i.next {
		i.interrupted++
		return 0, syscall.EINTR
	}

	return i.rd.Read(p)
}

type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) {
	return 0, nil
}

var _ = Describe("Reader", func() {
	Describe("ReadExact()", func() {
		It("serves reads from the buffer without touching the socket", func() {
			src := newChunkReader("hello world")
			r := protocol.NewReader(src)

			b, err := r.ReadExact(5)
			Expect(err).To(Succeed())
			Expect(string(b)).To(Equal("hello"))
			Expect(src.reads).To(Equal(1))

			b, err = r.ReadExact(6)
			Expect(err).To(Succeed())
			Expect(string(b)).To(Equal(" world"))
			Expect(src.reads).To(Equal(1))
			Expect(r.Buffered()).To(Equal(0))
		})

		It("keeps reading until enough bytes have arrived", func() {
			src := newChunkReader("he", "l", "lo", "!!")
			r := protocol.NewReader(src)

			b, err := r.ReadExact(5)
			Expect(err).To(Succeed())
			Expect(string(b)).To(Equal("hello"))
			Expect(src.reads).To(Equal(3))
		})

		It("retains surplus bytes for the next call", func() {
			r := protocol.NewReader(newChunkReader("abcdef"))

			_, err := r.ReadExact(2)
			Expect(err).To(Succeed())
			Expect(r.Buffered()).To(Equal(4))
		})

		It("grows the buffer for reads larger than it", func() {
			payload := strings.Repeat("x", 100)
			r := protocol.NewReaderSize(iotest.OneByteReader(strings.NewReader(payload)), 16)

			b, err := r.ReadExact(100)
			Expect(err).To(Succeed())
			Expect(string(b)).To(Equal(payload))
		})

		It("returns the partial data with ErrUnexpectedEOF when the stream ends early", func() {
			r := protocol.NewReader(newChunkReader("abc"))

			b, err := r.ReadExact(10)
			Expect(err).To(MatchError(io.ErrUnexpectedEOF))
			Expect(string(b)).To(Equal("abc"))
		})

		It("returns io.EOF when nothing at all arrived", func() {
			r := protocol.NewReader(newChunkReader())

			b, err := r.ReadExact(1)
			Expect(err).To(MatchError(io.EOF))
			Expect(b).To(BeEmpty())
		})

		It("rejects negative counts", func() {
			r := protocol.NewReader(newChunkReader("abc"))

			_, err := r.ReadExact(-1)
			Expect(err).To(MatchError(protocol.ErrNegativeCount))
		})

		It("surfaces data that arrived together with an error before the error", func() {
			r := protocol.NewReader(iotest.DataErrReader(strings.NewReader("abc")))

			b, err := r.ReadExact(3)
			Expect(err).To(Succeed())
			Expect(string(b)).To(Equal("abc"))

			_, err = r.ReadExact(1)
			Expect(err).To(MatchError(io.EOF))
		})
	})

	Describe("ReadLine()", func() {
		It("returns the line including its terminator", func() {
			r := protocol.NewReader(newChunkReader("+OK\r\n:1\r\n"))

			line, err := r.ReadLine()
			Expect(err).To(Succeed())
			Expect(string(line)).To(Equal("+OK\r\n"))

			line, err = r.ReadLine()
			Expect(err).To(Succeed())
			Expect(string(line)).To(Equal(":1\r\n"))
		})

		It("assembles a line that spans many reads", func() {
			src := newChunkReader("+HEL", "LO WO", "RLD\r", "\n$3")
			r := protocol.NewReader(src)

			line, err := r.ReadLine()
			Expect(err).To(Succeed())
			Expect(string(line)).To(Equal("+HELLO WORLD\r\n"))
			Expect(r.Buffered()).To(Equal(2))
		})

		It("does not read from the socket when a full line is buffered", func() {
			src := newChunkReader("a\nb\nc\n")
			r := protocol.NewReader(src)

			for _, want := range []string{"a\n", "b\n", "c\n"} {
				line, err := r.ReadLine()
				Expect(err).To(Succeed())
				Expect(string(line)).To(Equal(want))
			}

			Expect(src.reads).To(Equal(1))
		})

		It("compacts the buffer instead of losing carried over bytes", func() {
			input := strings.Repeat("0123456789\n", 20)
			r := protocol.NewReaderSize(newChunkReader(input), 16)

			for i := 0; i < 20; i++ {
				line, err := r.ReadLine()
				Expect(err).To(Succeed())
				Expect(string(line)).To(Equal("0123456789\n"))
			}
		})

		It("returns the partial line with ErrUnexpectedEOF when no newline arrives", func() {
			r := protocol.NewReader(newChunkReader("I have no new line"))

			line, err := r.ReadLine()
			Expect(err).To(MatchError(io.ErrUnexpectedEOF))
			Expect(string(line)).To(Equal("I have no new line"))
		})

		It("gives up on lines longer than the limit", func() {
			r := protocol.NewReader(strings.NewReader(strings.Repeat("x", protocol.MaxLineLength+10)))

			_, err := r.ReadLine()
			Expect(err).To(MatchError(protocol.ErrLineTooLong))
		})
	})

	It("silently retries reads interrupted by a signal", func() {
		src := &interruptingReader{rd: newChunkReader("+O", "K\r\n")}
		r := protocol.NewReader(src)

		line, err := r.ReadLine()
		Expect(err).To(Succeed())
		Expect(string(line)).To(Equal("+OK\r\n"))
		Expect(src.interrupted).To(BeNumerically(">", 0))
	})

	It("fails with ErrNoProgress when the reader keeps returning nothing", func() {
		r := protocol.NewReader(emptyReader{})

		_, err := r.ReadExact(1)
		Expect(errors.Is(err, io.ErrNoProgress)).To(BeTrue())
	})

	It("can be reset onto a new reader", func() {
		r := protocol.NewReader(newChunkReader("stale"))
		_, err := r.ReadExact(1)
		Expect(err).To(Succeed())

		r.Reset(newChunkReader("fresh"))
		Expect(r.Buffered()).To(Equal(0))

		b, err := r.ReadExact(5)
		Expect(err).To(Succeed())
		Expect(string(b)).To(Equal("fresh"))
	})
})
