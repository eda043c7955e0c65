package dagcbor

import (
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/jazware/repocar/pkg/car"
)

// TagLink is the CBOR tag DAG-CBOR uses for CID links.
const TagLink = 42

// DefaultMaxDepth bounds container nesting in a single block.
const DefaultMaxDepth = 64

// Decoder turns block payloads into Nodes. A Decoder holds no per-call state
// and is safe for concurrent use.
type Decoder struct {
	dm       cbor.DecMode
	maxDepth int
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxDepth sets the maximum container nesting accepted in one block.
func WithMaxDepth(n int) Option {
	return func(d *Decoder) { d.maxDepth = n }
}

// NewDecoder builds a Decoder with strict DAG-CBOR decode options.
func NewDecoder(opts ...Option) (*Decoder, error) {
	d := &Decoder{maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxDepth < 4 {
		d.maxDepth = 4
	}

	dm, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		TagsMd:          cbor.TagsAllowed,
		MaxNestedLevels: d.maxDepth,
		UTF8:            cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("building CBOR decode mode: %w", err)
	}
	d.dm = dm
	return d, nil
}

// Decode decodes a block payload according to c's content codec. Raw blocks
// become a bytes node holding the payload.
func (d *Decoder) Decode(c cid.Cid, data []byte) (Node, error) {
	switch codec := c.Prefix().Codec; codec {
	case car.CodecRaw:
		return NewBytes(data), nil
	case car.CodecDagCBOR:
		n, err := d.DecodeCBOR(data)
		if err != nil {
			return Node{}, &car.Error{Kind: car.KindMalformedNode, CID: c, Err: err}
		}
		return n, nil
	default:
		return Node{}, &car.Error{Kind: car.KindUnsupportedCodec, CID: c, Err: fmt.Errorf("codec 0x%x", codec)}
	}
}

// DecodeCBOR decodes a single DAG-CBOR item. Trailing bytes are an error.
func (d *Decoder) DecodeCBOR(data []byte) (Node, error) {
	var v any
	if err := d.dm.Unmarshal(data, &v); err != nil {
		return Node{}, err
	}
	return fromValue(v, 0, d.maxDepth)
}

func fromValue(v any, depth, maxDepth int) (Node, error) {
	if depth > maxDepth {
		return Node{}, fmt.Errorf("nesting exceeds %d levels", maxDepth)
	}

	switch t := v.(type) {
	case nil:
		return NewNull(), nil
	case bool:
		return NewBool(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return Node{}, fmt.Errorf("integer %d out of int64 range", t)
		}
		return NewInt(int64(t)), nil
	case int64:
		return NewInt(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return Node{}, fmt.Errorf("non-finite float %v", t)
		}
		return NewFloat(t), nil
	case string:
		return NewString(t), nil
	case []byte:
		return NewBytes(t), nil
	case []any:
		items := make([]Node, len(t))
		for i, item := range t {
			n, err := fromValue(item, depth+1, maxDepth)
			if err != nil {
				return Node{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = n
		}
		return NewList(items...), nil
	case map[string]any:
		entries := make([]Entry, 0, len(t))
		for k, item := range t {
			n, err := fromValue(item, depth+1, maxDepth)
			if err != nil {
				return Node{}, fmt.Errorf("%q: %w", k, err)
			}
			entries = append(entries, Entry{Key: k, Value: n})
		}
		return NewMap(entries...), nil
	case cbor.Tag:
		if t.Number != TagLink {
			return Node{}, fmt.Errorf("unsupported CBOR tag %d", t.Number)
		}
		c, err := linkFromTag(t.Content)
		if err != nil {
			return Node{}, err
		}
		return NewLink(c), nil
	default:
		return Node{}, fmt.Errorf("unsupported CBOR value of type %T", v)
	}
}

// linkFromTag parses the content of a tag 42 item: a byte string holding a
// 0x00 multibase prefix followed by a binary CID.
func linkFromTag(content any) (cid.Cid, error) {
	b, ok := content.([]byte)
	if !ok {
		return cid.Undef, fmt.Errorf("link tag content is %T, want byte string", content)
	}
	if len(b) == 0 || b[0] != 0x00 {
		return cid.Undef, fmt.Errorf("link missing 0x00 prefix")
	}
	n, c, err := car.ParseCID(b[1:])
	if err != nil {
		return cid.Undef, fmt.Errorf("link: %w", err)
	}
	if n != len(b)-1 {
		return cid.Undef, fmt.Errorf("link has %d trailing bytes", len(b)-1-n)
	}
	return c, nil
}
