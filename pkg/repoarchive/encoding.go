package repoarchive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/multiformats/go-varint"
)

// Binary encoding helpers for the .rca format. Fixed-width integers are
// little-endian; variable-length fields carry a uvarint length prefix.

func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

// writeBytes writes a uvarint length-prefixed byte slice.
func writeBytes(w io.Writer, data []byte) error {
	if _, err := w.Write(varint.ToUvarint(uint64(len(data)))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// readBytes reads a uvarint length-prefixed byte slice. The length may not
// exceed what is left in br.
func readBytes(br *bytes.Reader) ([]byte, error) {
	n, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	if n > uint64(br.Len()) {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, br.Len())
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readString(br *bytes.Reader) (string, error) {
	b, err := readBytes(br)
	return string(b), err
}

func writeFileHeader(w io.Writer, h *FileHeader) error {
	if _, err := w.Write(h.Magic[:]); err != nil {
		return err
	}
	if err := writeUint16(w, h.Version); err != nil {
		return err
	}
	if err := writeUint16(w, h.Flags); err != nil {
		return err
	}
	if err := writeInt64(w, h.CreatedAt); err != nil {
		return err
	}
	if err := writeUint32(w, h.RepoCount); err != nil {
		return err
	}
	if err := writeInt64(w, h.IndexOffset); err != nil {
		return err
	}
	_, err := w.Write(h.Reserved[:])
	return err
}

func readFileHeader(r io.Reader) (*FileHeader, error) {
	h := &FileHeader{}
	if _, err := io.ReadFull(r, h.Magic[:]); err != nil {
		return nil, err
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("invalid magic: got %q, want %q", h.Magic, Magic)
	}
	var err error
	if h.Version, err = readUint16(r); err != nil {
		return nil, err
	}
	if h.Version != Version {
		return nil, fmt.Errorf("unsupported version: %d", h.Version)
	}
	if h.Flags, err = readUint16(r); err != nil {
		return nil, err
	}
	if h.CreatedAt, err = readInt64(r); err != nil {
		return nil, err
	}
	if h.RepoCount, err = readUint32(r); err != nil {
		return nil, err
	}
	if h.IndexOffset, err = readInt64(r); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, h.Reserved[:]); err != nil {
		return nil, err
	}
	return h, nil
}

func writeFileFooter(w io.Writer, f *FileFooter) error {
	if err := writeInt64(w, f.IndexOffset); err != nil {
		return err
	}
	if err := writeUint32(w, f.IndexSize); err != nil {
		return err
	}
	if err := writeUint32(w, f.RepoCount); err != nil {
		return err
	}
	if err := writeUint32(w, f.CRC32); err != nil {
		return err
	}
	if _, err := w.Write(f.Reserved[:]); err != nil {
		return err
	}
	_, err := w.Write(f.Magic[:])
	return err
}

func readFileFooter(r io.Reader) (*FileFooter, error) {
	f := &FileFooter{}
	var err error
	if f.IndexOffset, err = readInt64(r); err != nil {
		return nil, err
	}
	if f.IndexSize, err = readUint32(r); err != nil {
		return nil, err
	}
	if f.RepoCount, err = readUint32(r); err != nil {
		return nil, err
	}
	if f.CRC32, err = readUint32(r); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, f.Reserved[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, f.Magic[:]); err != nil {
		return nil, err
	}
	if f.Magic != Magic {
		return nil, fmt.Errorf("invalid footer magic: got %q, want %q", f.Magic, Magic)
	}
	return f, nil
}

// checksumCRC32 computes CRC32 (IEEE) of the given data.
func checksumCRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
