package car

import (
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
)

// Version is the only CAR format version this package reads and writes.
const Version = 1

// ContentType is the media type PDSs serve repo archives with.
const ContentType = "application/vnd.ipld.car"

// Header precedes the block section of an archive.
type Header struct {
	Version uint64
	Roots   []cid.Cid
}

type readerState uint8

const (
	stateBlocks readerState = iota
	stateDone
)

// Reader iterates verified blocks from a CARv1 stream.
type Reader struct {
	fr     *Framer
	header *Header
	state  readerState
	blocks int
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerConfig)

type readerConfig struct {
	maxBlockSize int
}

// WithMaxBlockSize caps the size of any single frame in the archive.
func WithMaxBlockSize(n int) ReaderOption {
	return func(c *readerConfig) { c.maxBlockSize = n }
}

// NewReader reads and validates the archive header from r.
func NewReader(r io.Reader, opts ...ReaderOption) (*Reader, error) {
	var cfg readerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	fr := NewFramer(r, cfg.maxBlockSize)
	header, err := readHeader(fr)
	if err != nil {
		return nil, err
	}

	return &Reader{fr: fr, header: header}, nil
}

// Header returns the archive header.
func (r *Reader) Header() *Header {
	return r.header
}

// BlocksRead returns the number of blocks returned so far.
func (r *Reader) BlocksRead() int {
	return r.blocks
}

// BytesRead returns the number of archive bytes consumed so far.
func (r *Reader) BytesRead() int64 {
	return r.fr.Offset()
}

// Next returns the next verified block, or io.EOF once the stream ends on a
// block boundary. A block whose payload does not hash to its CID is an error.
func (r *Reader) Next() (*Block, error) {
	if r.state == stateDone {
		return nil, io.EOF
	}

	frame, err := r.fr.Next()
	if err == io.EOF {
		r.state = stateDone
		return nil, io.EOF
	}
	if err != nil {
		r.state = stateDone
		return nil, err
	}
	if len(frame) == 0 {
		r.state = stateDone
		return nil, &Error{Kind: KindBadFrame, Err: fmt.Errorf("empty block frame at offset %d", r.fr.Offset())}
	}

	n, c, err := ParseCID(frame)
	if err != nil {
		r.state = stateDone
		return nil, fmt.Errorf("block %d: %w", r.blocks, err)
	}

	blk := &Block{CID: c, Data: frame[n:]}
	if err := blk.Verify(); err != nil {
		r.state = stateDone
		return nil, err
	}

	r.blocks++
	return blk, nil
}

func readHeader(fr *Framer) (*Header, error) {
	buf, err := fr.Next()
	if err == io.EOF {
		return nil, &Error{Kind: KindTruncated, Err: fmt.Errorf("empty stream, no header")}
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var raw map[string]any
	if err := cbornode.DecodeInto(buf, &raw); err != nil {
		return nil, &Error{Kind: KindBadHeader, Err: fmt.Errorf("decoding header CBOR: %w", err)}
	}

	version, ok := asUint(raw["version"])
	if !ok {
		return nil, &Error{Kind: KindBadHeader, Err: fmt.Errorf("header 'version' is not an unsigned integer")}
	}
	if version != Version {
		return nil, &Error{Kind: KindUnsupportedVersion, Err: fmt.Errorf("CAR version %d", version)}
	}

	rootsRaw, ok := raw["roots"]
	if !ok {
		return nil, &Error{Kind: KindBadHeader, Err: fmt.Errorf("header missing 'roots' field")}
	}
	list, ok := rootsRaw.([]any)
	if !ok && rootsRaw != nil {
		return nil, &Error{Kind: KindBadHeader, Err: fmt.Errorf("header 'roots' is not an array")}
	}

	roots := make([]cid.Cid, 0, len(list))
	for i, v := range list {
		c, ok := v.(cid.Cid)
		if !ok {
			return nil, &Error{Kind: KindBadHeader, Err: fmt.Errorf("header root %d is not a CID", i)}
		}
		if err := checkCID(c); err != nil {
			return nil, fmt.Errorf("header root %d: %w", i, err)
		}
		roots = append(roots, c)
	}

	return &Header{Version: version, Roots: roots}, nil
}

func asUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int:
		return uint64(n), n >= 0
	case int64:
		return uint64(n), n >= 0
	default:
		return 0, false
	}
}
