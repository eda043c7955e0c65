package repoarchive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

// Index is the DID-sorted index of one finalized segment. Entries point at
// repo blocks and carry the CRC32 that ReadRepo checks.
type Index struct {
	Entries []IndexEntry
}

func compareEntry(e IndexEntry, did string) int {
	return strings.Compare(e.DID, did)
}

// newIndex sorts entries by DID for the index section.
func newIndex(entries []IndexEntry) *Index {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b IndexEntry) int {
		return strings.Compare(a.DID, b.DID)
	})
	return &Index{Entries: sorted}
}

// marshal encodes the index section: a uint32 count, then per entry the
// uvarint-prefixed DID, offset, size and CRC32.
func (idx *Index) marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, uint32(len(idx.Entries))); err != nil {
		return nil, err
	}
	for _, e := range idx.Entries {
		if err := writeBytes(&buf, []byte(e.DID)); err != nil {
			return nil, err
		}
		if err := writeInt64(&buf, e.Offset); err != nil {
			return nil, err
		}
		if err := writeUint32(&buf, e.Size); err != nil {
			return nil, err
		}
		if err := writeUint32(&buf, e.CRC32); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// LoadIndex reads and validates the index section of a finalized segment.
func LoadIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	size := fi.Size()
	if size < FileHeaderSize+FileFooterSize {
		return nil, fmt.Errorf("%s: too small to be a segment (%d bytes)", path, size)
	}

	footer, err := readFileFooter(io.NewSectionReader(f, size-FileFooterSize, FileFooterSize))
	if err != nil {
		return nil, fmt.Errorf("reading footer: %w", err)
	}
	if footer.IndexOffset < FileHeaderSize || footer.IndexOffset+int64(footer.IndexSize) > size-FileFooterSize {
		return nil, fmt.Errorf("index section [%d, +%d) out of bounds", footer.IndexOffset, footer.IndexSize)
	}

	data := make([]byte, footer.IndexSize)
	if _, err := f.ReadAt(data, footer.IndexOffset); err != nil {
		return nil, fmt.Errorf("reading index section: %w", err)
	}
	return parseIndex(data, footer)
}

// parseIndex decodes an index section and checks it against its footer.
// Entries must be in strictly ascending DID order and point inside the
// repo-block region that precedes the index.
func parseIndex(data []byte, footer *FileFooter) (*Index, error) {
	if checksumCRC32(data) != footer.CRC32 {
		return nil, fmt.Errorf("index CRC32 mismatch")
	}

	br := bytes.NewReader(data)
	count, err := readUint32(br)
	if err != nil {
		return nil, fmt.Errorf("reading entry count: %w", err)
	}
	if count != footer.RepoCount {
		return nil, fmt.Errorf("index has %d entries, footer says %d", count, footer.RepoCount)
	}
	// Each entry takes at least 17 bytes, which bounds the allocation.
	if int64(count)*17 > int64(br.Len()) {
		return nil, fmt.Errorf("index claims %d entries in %d bytes", count, br.Len())
	}

	entries := make([]IndexEntry, count)
	for i := range entries {
		e := &entries[i]
		if e.DID, err = readString(br); err != nil {
			return nil, fmt.Errorf("entry %d: DID: %w", i, err)
		}
		if e.Offset, err = readInt64(br); err != nil {
			return nil, fmt.Errorf("entry %d: offset: %w", i, err)
		}
		if e.Size, err = readUint32(br); err != nil {
			return nil, fmt.Errorf("entry %d: size: %w", i, err)
		}
		if e.CRC32, err = readUint32(br); err != nil {
			return nil, fmt.Errorf("entry %d: CRC32: %w", i, err)
		}

		if i > 0 && entries[i-1].DID >= e.DID {
			return nil, fmt.Errorf("entry %d: %q not after %q", i, e.DID, entries[i-1].DID)
		}
		if e.Offset < FileHeaderSize || e.Offset+int64(e.Size) > footer.IndexOffset {
			return nil, fmt.Errorf("entry %d (%s): block [%d, +%d) outside repo region", i, e.DID, e.Offset, e.Size)
		}
	}
	if br.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after index entries", br.Len())
	}

	return &Index{Entries: entries}, nil
}

// FindDID looks up did by binary search.
func (idx *Index) FindDID(did string) (IndexEntry, bool) {
	i, ok := slices.BinarySearchFunc(idx.Entries, did, compareEntry)
	if !ok {
		return IndexEntry{}, false
	}
	return idx.Entries[i], true
}

// DIDs returns the indexed DIDs in sorted order.
func (idx *Index) DIDs() []string {
	dids := make([]string, len(idx.Entries))
	for i, e := range idx.Entries {
		dids[i] = e.DID
	}
	return dids
}
