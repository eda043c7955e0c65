package repoarchive

import (
	"errors"
	"time"

	"github.com/ipfs/go-cid"
)

// Magic opens and closes every .rca segment file.
var Magic = [8]byte{'R', 'E', 'P', 'O', 'A', 'R', 'C', 'H'}

// ErrDuplicateDID is returned when a segment already holds a repo for the DID.
var ErrDuplicateDID = errors.New("DID already written to this segment")

const (
	// Version 2 adds commit and record CIDs and uvarint string prefixes.
	Version = uint16(2)

	FileHeaderSize = 64
	FileFooterSize = 32

	// DefaultSegmentSize is the target segment file size before starting a new one.
	DefaultSegmentSize = 2 * 1024 * 1024 * 1024 // 2GB

	// DefaultZstdLevel is the default zstd compression level.
	DefaultZstdLevel = 3
)

// FileHeader is the 64-byte header at the start of each .rca segment file.
type FileHeader struct {
	Magic       [8]byte  // "REPOARCH"
	Version     uint16   // 2
	Flags       uint16   // reserved
	CreatedAt   int64    // unix microseconds
	RepoCount   uint32   // set at finalize
	IndexOffset int64    // set at finalize
	Reserved    [32]byte // zero-filled, pads header to exactly 64 bytes
}

// FileFooter is the 32-byte footer at the end of each .rca segment file.
type FileFooter struct {
	IndexOffset int64   // byte offset of index section
	IndexSize   uint32  // byte size of index section
	RepoCount   uint32  // total repos in this segment
	CRC32       uint32  // CRC32 of the index section
	Reserved    [4]byte // pads footer to exactly 32 bytes
	Magic       [8]byte // "REPOARCH"
}

// IndexEntry is one entry in the per-segment DID index.
type IndexEntry struct {
	DID    string
	Offset int64  // byte offset of the repo block in the segment
	Size   uint32 // byte size of the repo block
	CRC32  uint32 // CRC32 of the repo block
}

// CollectionTOCEntry describes one collection within a repo block.
type CollectionTOCEntry struct {
	Name           string
	RecordCount    uint32
	CompressedSize uint32 // byte size of the zstd-compressed data block
}

// Record is a single decoded record within a collection data block.
type Record struct {
	RKey string
	CID  cid.Cid
	JSON []byte
}

// ArchivedRepo is the in-memory form of one decoded repo ready for writing.
type ArchivedRepo struct {
	DID         string
	PDS         string
	Rev         string
	Commit      cid.Cid // cid.Undef when the repo had no commit
	ArchivedAt  time.Time
	Collections map[string][]Record // collection name -> records in key order
}
