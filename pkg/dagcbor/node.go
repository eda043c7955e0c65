// Package dagcbor decodes DAG-CBOR block payloads into a generic Node tree.
package dagcbor

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
)

// Kind is the variant a Node holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
	KindLink
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindLink:
		return "link"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Node is an immutable decoded value. The zero Node is null.
type Node struct {
	kind    Kind
	b       bool
	i       int64
	f       float64
	s       string
	raw     []byte
	list    []Node
	entries []Entry
	link    cid.Cid
}

// Entry is one key/value pair of a map node.
type Entry struct {
	Key   string
	Value Node
}

func NewNull() Node { return Node{} }
func NewBool(v bool) Node { return Node{kind: KindBool, b: v} }
func NewInt(v int64) Node { return Node{kind: KindInt, i: v} }
func NewFloat(v float64) Node { return Node{kind: KindFloat, f: v} }
func NewString(v string) Node { return Node{kind: KindString, s: v} }
func NewBytes(v []byte) Node { return Node{kind: KindBytes, raw: v} }
func NewList(items ...Node) Node { return Node{kind: KindList, list: items} }
func NewLink(c cid.Cid) Node { return Node{kind: KindLink, link: c} }

// NewMap builds a map node. Entries are sorted into canonical DAG-CBOR key
// order (shorter keys first, then bytewise).
func NewMap(entries ...Entry) Node {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return keyLess(sorted[i].Key, sorted[j].Key)
	})
	return Node{kind: KindMap, entries: sorted}
}

func keyLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func (n Node) Kind() Kind { return n.kind }
func (n Node) IsNull() bool { return n.kind == KindNull }

func (n Node) AsBool() (bool, bool) {
	return n.b, n.kind == KindBool
}

func (n Node) AsInt() (int64, bool) {
	return n.i, n.kind == KindInt
}

// AsFloat returns float nodes as-is and widens int nodes.
func (n Node) AsFloat() (float64, bool) {
	switch n.kind {
	case KindFloat:
		return n.f, true
	case KindInt:
		return float64(n.i), true
	}
	return 0, false
}

func (n Node) AsString() (string, bool) {
	return n.s, n.kind == KindString
}

func (n Node) AsBytes() ([]byte, bool) {
	return n.raw, n.kind == KindBytes
}

func (n Node) AsLink() (cid.Cid, bool) {
	return n.link, n.kind == KindLink
}

func (n Node) AsList() ([]Node, bool) {
	return n.list, n.kind == KindList
}

// Entries returns a map node's entries in canonical key order.
func (n Node) Entries() ([]Entry, bool) {
	return n.entries, n.kind == KindMap
}

// Len is the number of list items or map entries.
func (n Node) Len() int {
	switch n.kind {
	case KindList:
		return len(n.list)
	case KindMap:
		return len(n.entries)
	}
	return 0
}

// Lookup returns the value stored under key in a map node.
func (n Node) Lookup(key string) (Node, bool) {
	if n.kind != KindMap {
		return Node{}, false
	}
	i := sort.Search(len(n.entries), func(i int) bool {
		return !keyLess(n.entries[i].Key, key)
	})
	if i < len(n.entries) && n.entries[i].Key == key {
		return n.entries[i].Value, true
	}
	return Node{}, false
}

// Value converts the node to plain Go values: nil, bool, int64, float64,
// string, []byte, cid.Cid, []any and map[string]any.
func (n Node) Value() any {
	switch n.kind {
	case KindBool:
		return n.b
	case KindInt:
		return n.i
	case KindFloat:
		return n.f
	case KindString:
		return n.s
	case KindBytes:
		return n.raw
	case KindLink:
		return n.link
	case KindList:
		out := make([]any, len(n.list))
		for i, item := range n.list {
			out[i] = item.Value()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(n.entries))
		for _, e := range n.entries {
			out[e.Key] = e.Value.Value()
		}
		return out
	default:
		return nil
	}
}

// Equal reports deep equality.
func (n Node) Equal(o Node) bool {
	if n.kind != o.kind {
		return false
	}
	switch n.kind {
	case KindNull:
		return true
	case KindBool:
		return n.b == o.b
	case KindInt:
		return n.i == o.i
	case KindFloat:
		return n.f == o.f
	case KindString:
		return n.s == o.s
	case KindBytes:
		return bytes.Equal(n.raw, o.raw)
	case KindLink:
		return n.link.Equals(o.link)
	case KindList:
		if len(n.list) != len(o.list) {
			return false
		}
		for i := range n.list {
			if !n.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(n.entries) != len(o.entries) {
			return false
		}
		for i := range n.entries {
			if n.entries[i].Key != o.entries[i].Key || !n.entries[i].Value.Equal(o.entries[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// Links returns every link in the node, depth first.
func (n Node) Links() []cid.Cid {
	var out []cid.Cid
	n.walkLinks(func(c cid.Cid) { out = append(out, c) })
	return out
}

func (n Node) walkLinks(fn func(cid.Cid)) {
	switch n.kind {
	case KindLink:
		fn(n.link)
	case KindList:
		for _, item := range n.list {
			item.walkLinks(fn)
		}
	case KindMap:
		for _, e := range n.entries {
			e.Value.walkLinks(fn)
		}
	}
}
