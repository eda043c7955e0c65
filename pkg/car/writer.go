package car

import (
	"bufio"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
)

// Writer encodes a CARv1 stream: a header frame followed by one
// length-delimited (CID, payload) frame per block.
type Writer struct {
	bw     *bufio.Writer
	buf    []byte
	blocks int
}

// NewWriter writes the header naming roots and returns a Writer for blocks.
func NewWriter(w io.Writer, roots []cid.Cid) (*Writer, error) {
	if roots == nil {
		roots = []cid.Cid{}
	}
	hb, err := cbornode.DumpObject(map[string]any{
		"roots":   roots,
		"version": uint64(Version),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding CAR header: %w", err)
	}

	cw := &Writer{bw: bufio.NewWriterSize(w, 64*1024)}
	if err := cw.writeFrame(hb); err != nil {
		return nil, fmt.Errorf("writing CAR header: %w", err)
	}
	return cw, nil
}

// WriteBlock appends one block. The payload is written as given; callers
// are responsible for it hashing to c.
func (w *Writer) WriteBlock(c cid.Cid, data []byte) error {
	if err := w.writeFrame(c.Bytes(), data); err != nil {
		return fmt.Errorf("writing block %s: %w", c, err)
	}
	w.blocks++
	return nil
}

// Blocks returns the number of blocks written.
func (w *Writer) Blocks() int {
	return w.blocks
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

func (w *Writer) writeFrame(parts ...[]byte) error {
	w.buf = AppendFrame(w.buf[:0], parts...)
	_, err := w.bw.Write(w.buf)
	return err
}
