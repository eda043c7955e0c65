package dagcbor

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/jazware/repocar/pkg/car"
	mh "github.com/multiformats/go-multihash"
)

// Encoder writes Nodes as DAG-CBOR: length-first sorted map keys, 64-bit
// floats, definite lengths, links as tag 42.
type Encoder struct {
	em cbor.EncMode
}

// NewEncoder builds an Encoder.
func NewEncoder() (*Encoder, error) {
	em, err := cbor.EncOptions{
		Sort:          cbor.SortLengthFirst,
		ShortestFloat: cbor.ShortestFloatNone,
		IndefLength:   cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("building CBOR encode mode: %w", err)
	}
	return &Encoder{em: em}, nil
}

// Encode returns the DAG-CBOR bytes of n.
func (e *Encoder) Encode(n Node) ([]byte, error) {
	return e.em.Marshal(toValue(n))
}

// Block encodes n and returns it with its dag-cbor sha2-256 CID.
func (e *Encoder) Block(n Node) (*car.Block, error) {
	data, err := e.Encode(n)
	if err != nil {
		return nil, err
	}
	c, err := car.SumCID(car.CodecDagCBOR, mh.SHA2_256, data)
	if err != nil {
		return nil, err
	}
	return &car.Block{CID: c, Data: data}, nil
}

func toValue(n Node) any {
	switch n.kind {
	case KindLink:
		return linkTag(n.link)
	case KindList:
		out := make([]any, len(n.list))
		for i, item := range n.list {
			out[i] = toValue(item)
		}
		return out
	case KindMap:
		out := make(map[string]any, len(n.entries))
		for _, e := range n.entries {
			out[e.Key] = toValue(e.Value)
		}
		return out
	default:
		return n.Value()
	}
}

func linkTag(c cid.Cid) cbor.Tag {
	b := c.Bytes()
	content := make([]byte, 0, len(b)+1)
	content = append(content, 0x00)
	content = append(content, b...)
	return cbor.Tag{Number: TagLink, Content: content}
}
