package repoarchive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"
)

// SegmentReader reads .rca segment files sequentially with optional collection filtering.
type SegmentReader struct {
	file      *os.File
	size      int64
	header    *FileHeader
	decoder   *zstd.Decoder
	filter    map[string]bool // nil means accept all collections
	offset    int64
	reposRead uint32
	err       error

	currentRepo *RepoIterator
}

// RepoIterator holds state for iterating through one repo block.
type RepoIterator struct {
	DID             string
	PDS             string
	Rev             string
	Commit          cid.Cid
	ArchivedAt      time.Time
	CollectionCount uint16

	toc         []CollectionTOCEntry
	tocIndex    int
	dataOffset  int64  // current offset within collDataBuf
	collDataBuf []byte // raw compressed collection data blocks
	reader      *SegmentReader
	err         error

	currentColl *CollectionIterator
}

// CollectionIterator holds state for iterating through one collection's records.
type CollectionIterator struct {
	Name        string
	RecordCount uint32
	dataReader  *bytes.Reader
	recordsRead uint32
}

// OpenSegment opens an .rca segment file for reading.
func OpenSegment(path string) (*SegmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	header, err := readFileHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading header: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &SegmentReader{
		file:    f,
		size:    fi.Size(),
		header:  header,
		decoder: decoder,
		offset:  FileHeaderSize,
	}, nil
}

// Header returns the file header.
func (r *SegmentReader) Header() *FileHeader {
	return r.header
}

// SetCollectionFilter configures which collections to decompress during iteration.
// Only the named collections will be decompressed; others are skipped by advancing
// past their compressed bytes. Calling with no arguments clears the filter.
func (r *SegmentReader) SetCollectionFilter(collections ...string) {
	if len(collections) == 0 {
		r.filter = nil
		return
	}
	r.filter = make(map[string]bool, len(collections))
	for _, c := range collections {
		r.filter[c] = true
	}
}

// Next advances to the next repo block. Returns false at the end of the
// segment or on error; check Err to tell them apart.
func (r *SegmentReader) Next() bool {
	if r.err != nil {
		return false
	}
	if r.header.RepoCount > 0 && r.reposRead >= r.header.RepoCount {
		return false
	}
	if r.header.IndexOffset > 0 && r.offset >= r.header.IndexOffset {
		return false
	}
	// An unfinalized segment ends at EOF.
	if r.header.IndexOffset == 0 && r.offset >= r.size {
		return false
	}

	repo, size, _, err := r.readBlock(r.offset)
	if err != nil {
		r.err = fmt.Errorf("repo block at offset %d: %w", r.offset, err)
		return false
	}

	r.currentRepo = repo
	r.offset += int64(size)
	r.reposRead++
	return true
}

// Err returns the first error hit by Next.
func (r *SegmentReader) Err() error {
	return r.err
}

// ReadRepo reads the repo block an index entry points to, verifying its
// CRC32. It does not move the sequential cursor.
func (r *SegmentReader) ReadRepo(e IndexEntry) (*RepoIterator, error) {
	repo, size, crc, err := r.readBlock(e.Offset)
	if err != nil {
		return nil, fmt.Errorf("repo block for %s: %w", e.DID, err)
	}
	if size != e.Size || crc != e.CRC32 {
		return nil, fmt.Errorf("repo block for %s does not match its index entry", e.DID)
	}
	if repo.DID != e.DID {
		return nil, fmt.Errorf("index entry for %s points at %s", e.DID, repo.DID)
	}
	return repo, nil
}

// readBlock parses the repo block at offset and returns it with its total
// size and whole-block CRC32.
func (r *SegmentReader) readBlock(offset int64) (*RepoIterator, uint32, uint32, error) {
	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, 0, err
	}

	totalBlockSize, err := readUint32(r.file)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reading block size: %w", err)
	}
	if totalBlockSize < 4 || offset+int64(totalBlockSize) > r.size {
		return nil, 0, 0, fmt.Errorf("invalid block size %d", totalBlockSize)
	}

	block := make([]byte, totalBlockSize)
	block[0] = byte(totalBlockSize)
	block[1] = byte(totalBlockSize >> 8)
	block[2] = byte(totalBlockSize >> 16)
	block[3] = byte(totalBlockSize >> 24)
	if _, err := io.ReadFull(r.file, block[4:]); err != nil {
		return nil, 0, 0, fmt.Errorf("reading block: %w", err)
	}
	br := bytes.NewReader(block[4:])

	did, err := readString(br)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reading DID: %w", err)
	}
	pds, err := readString(br)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reading PDS: %w", err)
	}
	rev, err := readString(br)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reading rev: %w", err)
	}
	commitBytes, err := readBytes(br)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reading commit CID: %w", err)
	}
	commit := cid.Undef
	if len(commitBytes) > 0 {
		if commit, err = cid.Cast(commitBytes); err != nil {
			return nil, 0, 0, fmt.Errorf("parsing commit CID: %w", err)
		}
	}
	archivedAtUS, err := readInt64(br)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reading archived_at: %w", err)
	}
	collCount, err := readUint16(br)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reading collection count: %w", err)
	}
	storedCRC, err := readUint32(br)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reading CRC32: %w", err)
	}

	// Everything after the CRC32 field is covered by it.
	rest := block[len(block)-br.Len():]
	if checksumCRC32(rest) != storedCRC {
		return nil, 0, 0, fmt.Errorf("repo %s: CRC32 mismatch", did)
	}

	toc := make([]CollectionTOCEntry, collCount)
	for i := range toc {
		name, err := readString(br)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("reading collection %d name: %w", i, err)
		}
		recCount, err := readUint32(br)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("reading collection %d record count: %w", i, err)
		}
		compSize, err := readUint32(br)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("reading collection %d size: %w", i, err)
		}
		toc[i] = CollectionTOCEntry{
			Name:           name,
			RecordCount:    recCount,
			CompressedSize: compSize,
		}
	}

	// Remaining bytes are the compressed collection data blocks.
	repo := &RepoIterator{
		DID:             did,
		PDS:             pds,
		Rev:             rev,
		Commit:          commit,
		ArchivedAt:      time.UnixMicro(archivedAtUS).UTC(),
		CollectionCount: collCount,
		toc:             toc,
		collDataBuf:     block[len(block)-br.Len():],
		reader:          r,
	}
	return repo, totalBlockSize, checksumCRC32(block), nil
}

// Repo returns the current repo iterator. Only valid after Next() returns true.
func (r *SegmentReader) Repo() *RepoIterator {
	return r.currentRepo
}

// ReposRead returns the count of repos read so far.
func (r *SegmentReader) ReposRead() uint32 {
	return r.reposRead
}

// Close closes the segment reader and releases resources.
func (r *SegmentReader) Close() error {
	r.decoder.Close()
	return r.file.Close()
}

// NextCollection advances to the next collection in the current repo.
// Collections not matching the filter are skipped without decompression.
func (ri *RepoIterator) NextCollection() bool {
	if ri.err != nil {
		return false
	}
	for ri.tocIndex < len(ri.toc) {
		entry := ri.toc[ri.tocIndex]
		ri.tocIndex++

		if ri.reader.filter != nil && !ri.reader.filter[entry.Name] {
			ri.dataOffset += int64(entry.CompressedSize)
			continue
		}

		start := ri.dataOffset
		end := start + int64(entry.CompressedSize)
		if end > int64(len(ri.collDataBuf)) {
			ri.err = fmt.Errorf("collection %s overruns repo block", entry.Name)
			return false
		}
		compressed := ri.collDataBuf[start:end]
		ri.dataOffset = end

		decompressed, err := ri.reader.decoder.DecodeAll(compressed, nil)
		if err != nil {
			ri.err = fmt.Errorf("decompressing collection %s: %w", entry.Name, err)
			return false
		}

		ri.currentColl = &CollectionIterator{
			Name:        entry.Name,
			RecordCount: entry.RecordCount,
			dataReader:  bytes.NewReader(decompressed),
		}
		return true
	}
	return false
}

// Err returns the error that stopped NextCollection, if any.
func (ri *RepoIterator) Err() error {
	return ri.err
}

// Collection returns the current collection iterator.
func (ri *RepoIterator) Collection() *CollectionIterator {
	return ri.currentColl
}

// TOC returns the collection table-of-contents entries for this repo,
// including record counts, without requiring decompression.
func (ri *RepoIterator) TOC() []CollectionTOCEntry {
	return ri.toc
}

// RecordCount sums record counts across all collections.
func (ri *RepoIterator) RecordCount() int {
	var n int
	for _, e := range ri.toc {
		n += int(e.RecordCount)
	}
	return n
}

// NextRecord advances to the next record in the current collection.
func (ci *CollectionIterator) NextRecord() bool {
	if ci.recordsRead >= ci.RecordCount {
		return false
	}
	ci.recordsRead++
	return true
}

// Record reads and returns the current record. Call after NextRecord() returns true.
func (ci *CollectionIterator) Record() (*Record, error) {
	rkey, err := readString(ci.dataReader)
	if err != nil {
		return nil, fmt.Errorf("reading rkey: %w", err)
	}
	cidBytes, err := readBytes(ci.dataReader)
	if err != nil {
		return nil, fmt.Errorf("reading cid: %w", err)
	}
	c, err := cid.Cast(cidBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing cid for %s: %w", rkey, err)
	}
	jsonData, err := readBytes(ci.dataReader)
	if err != nil {
		return nil, fmt.Errorf("reading json: %w", err)
	}
	return &Record{
		RKey: rkey,
		CID:  c,
		JSON: jsonData,
	}, nil
}
