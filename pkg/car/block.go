package car

import (
	"github.com/ipfs/go-cid"
)

// Block is one verified unit of archived data.
type Block struct {
	CID  cid.Cid
	Data []byte
}

// Verify checks the block's payload against its CID.
func (b *Block) Verify() error {
	return VerifyBlock(b.CID, b.Data)
}

// Codec is the content codec the payload is encoded with.
func (b *Block) Codec() uint64 {
	return b.CID.Prefix().Codec
}
