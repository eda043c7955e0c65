package car

import (
	"bytes"
	"crypto/sha512"
	"fmt"

	"github.com/ipfs/go-cid"
	sha256 "github.com/minio/sha256-simd"
	mh "github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// Content codecs a block payload may be encoded with.
const (
	CodecDagCBOR = cid.DagCBOR
	CodecRaw     = cid.Raw
)

type hashFunc struct {
	name string
	size int
	sum  func([]byte) []byte
}

// hashFuncs is the set of multihash functions blocks may be verified with.
var hashFuncs = map[uint64]hashFunc{
	mh.SHA2_256: {name: "sha2-256", size: sha256.Size, sum: func(b []byte) []byte {
		d := sha256.Sum256(b)
		return d[:]
	}},
	mh.SHA2_512: {name: "sha2-512", size: sha512.Size, sum: func(b []byte) []byte {
		d := sha512.Sum512(b)
		return d[:]
	}},
	mh.BLAKE3: {name: "blake3", size: 32, sum: func(b []byte) []byte {
		d := blake3.Sum256(b)
		return d[:]
	}},
}

// ParseCID reads a binary CIDv1 from the front of b and returns the number of
// bytes it occupied. Unknown versions, codecs and hash functions are errors.
func ParseCID(b []byte) (int, cid.Cid, error) {
	n, c, err := cid.CidFromBytes(b)
	if err != nil {
		return 0, cid.Undef, &Error{Kind: KindBadFrame, Err: fmt.Errorf("parsing cid: %w", err)}
	}
	if err := checkCID(c); err != nil {
		return 0, cid.Undef, err
	}
	return n, c, nil
}

// ParseCIDString parses the multibase text form of a CIDv1.
func ParseCIDString(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, &Error{Kind: KindBadFrame, Err: fmt.Errorf("parsing cid %q: %w", s, err)}
	}
	if err := checkCID(c); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

func checkCID(c cid.Cid) error {
	if v := c.Version(); v != 1 {
		return &Error{Kind: KindUnsupportedVersion, CID: c, Err: fmt.Errorf("cid version %d", v)}
	}
	switch codec := c.Prefix().Codec; codec {
	case CodecDagCBOR, CodecRaw:
	default:
		return &Error{Kind: KindUnsupportedCodec, CID: c, Err: fmt.Errorf("codec 0x%x", codec)}
	}
	dmh, err := mh.Decode(c.Hash())
	if err != nil {
		return &Error{Kind: KindBadFrame, CID: c, Err: fmt.Errorf("decoding multihash: %w", err)}
	}
	hf, ok := hashFuncs[dmh.Code]
	if !ok {
		return &Error{Kind: KindUnsupportedHash, CID: c, Err: fmt.Errorf("multihash 0x%x", dmh.Code)}
	}
	if len(dmh.Digest) != hf.size {
		return &Error{Kind: KindUnsupportedHash, CID: c, Err: fmt.Errorf("%s digest of %d bytes, want %d", hf.name, len(dmh.Digest), hf.size)}
	}
	return nil
}

// Verify recomputes the digest of data under c's hash function and compares
// it to the digest c carries.
func Verify(c cid.Cid, data []byte) bool {
	return VerifyBlock(c, data) == nil
}

// VerifyBlock is Verify with the reason for a failure.
func VerifyBlock(c cid.Cid, data []byte) error {
	dmh, err := mh.Decode(c.Hash())
	if err != nil {
		return &Error{Kind: KindBadFrame, CID: c, Err: fmt.Errorf("decoding multihash: %w", err)}
	}
	hf, ok := hashFuncs[dmh.Code]
	if !ok {
		return &Error{Kind: KindUnsupportedHash, CID: c, Err: fmt.Errorf("multihash 0x%x", dmh.Code)}
	}
	if got := hf.sum(data); !bytes.Equal(got, dmh.Digest) {
		return &Error{Kind: KindCIDMismatch, CID: c, Err: fmt.Errorf("%s digest %x over %d bytes", hf.name, got, len(data))}
	}
	return nil
}

// SumCID computes the CIDv1 of data for the given codec and hash function.
func SumCID(codec, hash uint64, data []byte) (cid.Cid, error) {
	hf, ok := hashFuncs[hash]
	if !ok {
		return cid.Undef, &Error{Kind: KindUnsupportedHash, Err: fmt.Errorf("multihash 0x%x", hash)}
	}
	digest, err := mh.Encode(hf.sum(data), hash)
	if err != nil {
		return cid.Undef, fmt.Errorf("encoding multihash: %w", err)
	}
	c := cid.NewCidV1(codec, digest)
	if err := checkCID(c); err != nil {
		return cid.Undef, err
	}
	return c, nil
}
