package car

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// DefaultMaxFrameSize caps a single length-prefixed frame. Repo blocks are
// small (records and MST nodes); anything larger is a hostile length prefix.
const DefaultMaxFrameSize = 4 << 20

type countingByteReader struct {
	r io.ByteReader
	n int
}

func (c *countingByteReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// ReadUvarint reads one unsigned varint and reports how many bytes it
// consumed. A clean EOF before the first byte returns io.EOF unwrapped.
func ReadUvarint(r io.ByteReader) (uint64, int, error) {
	cr := &countingByteReader{r: r}
	v, err := varint.ReadUvarint(cr)
	switch {
	case err == nil:
		return v, cr.n, nil
	case err == io.EOF && cr.n == 0:
		return 0, 0, io.EOF
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return 0, cr.n, &Error{Kind: KindTruncated, Err: fmt.Errorf("varint cut after %d bytes", cr.n)}
	case errors.Is(err, varint.ErrOverflow), errors.Is(err, varint.ErrNotMinimal):
		return 0, cr.n, &Error{Kind: KindBadFrame, Err: err}
	default:
		return 0, cr.n, err
	}
}

// Framer reads varint length-prefixed frames from a buffered stream. Bytes
// buffered past a frame stay available for the next read.
type Framer struct {
	br      *bufio.Reader
	maxSize uint64
	offset  int64
}

// NewFramer wraps r. maxSize <= 0 selects DefaultMaxFrameSize.
func NewFramer(r io.Reader, maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64*1024)
	}
	return &Framer{br: br, maxSize: uint64(maxSize)}
}

// Offset is the number of bytes consumed from the underlying stream.
func (f *Framer) Offset() int64 {
	return f.offset
}

// ReadLength reads a frame length prefix. Returns io.EOF only when the
// stream ends exactly on a frame boundary.
func (f *Framer) ReadLength() (uint64, error) {
	n, read, err := ReadUvarint(f.br)
	f.offset += int64(read)
	if err != nil {
		return 0, err
	}
	if n > f.maxSize {
		return 0, &Error{Kind: KindBadFrame, Err: fmt.Errorf("frame of %d bytes at offset %d exceeds limit of %d", n, f.offset, f.maxSize)}
	}
	return n, nil
}

// ReadFrame reads exactly n bytes.
func (f *Framer) ReadFrame(n uint64) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(f.br, buf)
	f.offset += int64(read)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &Error{Kind: KindTruncated, Err: fmt.Errorf("frame cut at %d of %d bytes", read, n)}
		}
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return buf, nil
}

// Next reads one complete frame.
func (f *Framer) Next() ([]byte, error) {
	n, err := f.ReadLength()
	if err != nil {
		return nil, err
	}
	return f.ReadFrame(n)
}

// AppendFrame appends data to buf with its uvarint length prefix.
func AppendFrame(buf []byte, parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	buf = append(buf, varint.ToUvarint(uint64(total))...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}
