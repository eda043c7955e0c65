package repoarchive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("repoarchive")

// SegmentWriter writes ArchivedRepos into .rca segment files. Writes are
// serialized; when the current segment exceeds the target size, it is
// finalized (index + footer) and a new one is opened.
type SegmentWriter struct {
	outputDir   string
	segmentSize int64
	zstdLevel   int

	mu           sync.Mutex
	segmentNum   int
	file         *os.File
	offset       int64
	repoCount    uint32
	indexEntries []IndexEntry
	segmentDIDs  map[string]struct{}
	encoder      *zstd.Encoder
	createdAt    time.Time
	bytesWritten int64
	totalRepos   uint32
}

// WriterOption configures a SegmentWriter.
type WriterOption func(*SegmentWriter)

// WithSegmentSize sets the target segment file size.
func WithSegmentSize(size int64) WriterOption {
	return func(w *SegmentWriter) { w.segmentSize = size }
}

// WithZstdLevel sets the zstd compression level.
func WithZstdLevel(level int) WriterOption {
	return func(w *SegmentWriter) { w.zstdLevel = level }
}

// WithStartSegment sets the starting segment number (for resume).
func WithStartSegment(n int) WriterOption {
	return func(w *SegmentWriter) { w.segmentNum = n }
}

// NewSegmentWriter creates a new SegmentWriter that writes .rca files to outputDir.
func NewSegmentWriter(outputDir string, opts ...WriterOption) (*SegmentWriter, error) {
	w := &SegmentWriter{
		outputDir:   outputDir,
		segmentSize: DefaultSegmentSize,
		zstdLevel:   DefaultZstdLevel,
		segmentNum:  1,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(w.zstdLevel)))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	w.encoder = enc

	if err := w.openSegment(); err != nil {
		return nil, err
	}

	return w, nil
}

// SegmentNum returns the current segment number.
func (w *SegmentWriter) SegmentNum() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentNum
}

// TotalRepos returns the total number of repos written across all segments.
func (w *SegmentWriter) TotalRepos() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalRepos
}

// BytesWritten returns the total bytes written across all segments.
func (w *SegmentWriter) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}

// SegmentPath returns the file name used for segment num.
func SegmentPath(dir string, num int) string {
	return filepath.Join(dir, fmt.Sprintf("segment_%04d.rca", num))
}

func (w *SegmentWriter) openSegment() error {
	path := SegmentPath(w.outputDir, w.segmentNum)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating segment file %s: %w", path, err)
	}

	w.file = f
	w.repoCount = 0
	w.indexEntries = w.indexEntries[:0]
	w.segmentDIDs = make(map[string]struct{})
	w.createdAt = time.Now()

	// Header values are finalized later.
	header := &FileHeader{
		Magic:     Magic,
		Version:   Version,
		CreatedAt: w.createdAt.UnixMicro(),
	}
	if err := writeFileHeader(f, header); err != nil {
		return fmt.Errorf("writing file header: %w", err)
	}
	w.offset = FileHeaderSize

	return nil
}

// WriteRepo serializes an ArchivedRepo into the current segment.
// If the segment exceeds the target size, it finalizes and opens a new one.
func (w *SegmentWriter) WriteRepo(ctx context.Context, repo *ArchivedRepo) error {
	_, span := tracer.Start(ctx, "repoarchive.WriteRepo")
	defer span.End()
	span.SetAttributes(attribute.String("repo.did", repo.DID))

	blockData, err := w.serializeRepoBlock(repo)
	if err != nil {
		return fmt.Errorf("serializing repo %s: %w", repo.DID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("segment writer is closed")
	}
	if _, dup := w.segmentDIDs[repo.DID]; dup {
		return fmt.Errorf("repo %s: %w", repo.DID, ErrDuplicateDID)
	}

	repoOffset := w.offset
	if _, err := w.file.Write(blockData); err != nil {
		return fmt.Errorf("writing repo block: %w", err)
	}

	w.offset += int64(len(blockData))
	w.repoCount++
	w.totalRepos++
	w.bytesWritten += int64(len(blockData))
	archiveBytesWritten.Add(float64(len(blockData)))
	archiveReposWritten.Inc()
	span.SetAttributes(attribute.Int("repo.block.size", len(blockData)))

	w.indexEntries = append(w.indexEntries, IndexEntry{
		DID:    repo.DID,
		Offset: repoOffset,
		Size:   uint32(len(blockData)),
		CRC32:  checksumCRC32(blockData),
	})
	w.segmentDIDs[repo.DID] = struct{}{}

	if w.offset >= w.segmentSize {
		if err := w.finalizeSegment(); err != nil {
			return fmt.Errorf("finalizing segment: %w", err)
		}
		w.segmentNum++
		if err := w.openSegment(); err != nil {
			return fmt.Errorf("opening new segment: %w", err)
		}
	}

	return nil
}

// serializeRepoBlock builds the binary repo block for a single ArchivedRepo.
// EncodeAll is safe for concurrent use, so this runs outside the lock.
func (w *SegmentWriter) serializeRepoBlock(repo *ArchivedRepo) ([]byte, error) {
	collNames := make([]string, 0, len(repo.Collections))
	for name, records := range repo.Collections {
		if len(records) > 0 {
			collNames = append(collNames, name)
		}
	}
	sort.Strings(collNames)
	if len(collNames) > 0xffff {
		return nil, fmt.Errorf("too many collections: %d", len(collNames))
	}

	type collBlock struct {
		name       string
		count      int
		compressed []byte
	}
	collBlocks := make([]collBlock, 0, len(collNames))
	for _, name := range collNames {
		records := repo.Collections[name]

		var raw bytes.Buffer
		for _, rec := range records {
			if err := writeBytes(&raw, []byte(rec.RKey)); err != nil {
				return nil, err
			}
			if err := writeBytes(&raw, rec.CID.Bytes()); err != nil {
				return nil, err
			}
			if err := writeBytes(&raw, rec.JSON); err != nil {
				return nil, err
			}
		}

		collBlocks = append(collBlocks, collBlock{
			name:       name,
			count:      len(records),
			compressed: w.encoder.EncodeAll(raw.Bytes(), nil),
		})
	}

	// Everything after total_block_size is written first, then the size is prepended.
	var inner bytes.Buffer

	if err := writeBytes(&inner, []byte(repo.DID)); err != nil {
		return nil, err
	}
	if err := writeBytes(&inner, []byte(repo.PDS)); err != nil {
		return nil, err
	}
	if err := writeBytes(&inner, []byte(repo.Rev)); err != nil {
		return nil, err
	}
	var commit []byte
	if repo.Commit.Defined() {
		commit = repo.Commit.Bytes()
	}
	if err := writeBytes(&inner, commit); err != nil {
		return nil, err
	}
	if err := writeInt64(&inner, repo.ArchivedAt.UnixMicro()); err != nil {
		return nil, err
	}
	if err := writeUint16(&inner, uint16(len(collBlocks))); err != nil {
		return nil, err
	}

	// CRC32 placeholder, patched below.
	crcOffset := inner.Len()
	if err := writeUint32(&inner, 0); err != nil {
		return nil, err
	}

	for _, cb := range collBlocks {
		if err := writeBytes(&inner, []byte(cb.name)); err != nil {
			return nil, err
		}
		if err := writeUint32(&inner, uint32(cb.count)); err != nil {
			return nil, err
		}
		if err := writeUint32(&inner, uint32(len(cb.compressed))); err != nil {
			return nil, err
		}
	}
	for _, cb := range collBlocks {
		if _, err := inner.Write(cb.compressed); err != nil {
			return nil, err
		}
	}

	// CRC32 covers everything after the CRC32 field (TOC + data).
	innerBytes := inner.Bytes()
	crcVal := checksumCRC32(innerBytes[crcOffset+4:])
	innerBytes[crcOffset] = byte(crcVal)
	innerBytes[crcOffset+1] = byte(crcVal >> 8)
	innerBytes[crcOffset+2] = byte(crcVal >> 16)
	innerBytes[crcOffset+3] = byte(crcVal >> 24)

	totalSize := uint32(4 + len(innerBytes))
	var block bytes.Buffer
	block.Grow(int(totalSize))
	if err := writeUint32(&block, totalSize); err != nil {
		return nil, err
	}
	block.Write(innerBytes)

	return block.Bytes(), nil
}

// finalizeSegment writes the index section and footer, then updates the file header.
func (w *SegmentWriter) finalizeSegment() error {
	indexOffset := w.offset

	indexData, err := newIndex(w.indexEntries).marshal()
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	if _, err := w.file.Write(indexData); err != nil {
		return fmt.Errorf("writing index section: %w", err)
	}
	w.offset += int64(len(indexData))

	footer := &FileFooter{
		IndexOffset: indexOffset,
		IndexSize:   uint32(len(indexData)),
		RepoCount:   w.repoCount,
		CRC32:       checksumCRC32(indexData),
		Magic:       Magic,
	}
	if err := writeFileFooter(w.file, footer); err != nil {
		return fmt.Errorf("writing footer: %w", err)
	}

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to header: %w", err)
	}
	header := &FileHeader{
		Magic:       Magic,
		Version:     Version,
		CreatedAt:   w.createdAt.UnixMicro(),
		RepoCount:   w.repoCount,
		IndexOffset: indexOffset,
	}
	if err := writeFileHeader(w.file, header); err != nil {
		return fmt.Errorf("updating file header: %w", err)
	}

	return w.file.Close()
}

// Close finalizes the current segment and releases resources.
func (w *SegmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	if err := w.finalizeSegment(); err != nil {
		return err
	}

	w.encoder.Close()
	w.file = nil
	return nil
}
