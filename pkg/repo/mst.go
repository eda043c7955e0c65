package repo

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/jazware/repocar/pkg/dagcbor"
)

// maxTreeDepth bounds MST recursion. Real repos are a handful of layers deep.
const maxTreeDepth = 128

// treeNode is one decoded MST node: an optional left subtree followed by
// entries, each with an optional right subtree.
type treeNode struct {
	left    cid.Cid
	entries []treeEntry
}

type treeEntry struct {
	key   string // full key, reconstructed from the prefix-compressed form
	value cid.Cid
	right cid.Cid
}

// parseTreeNode reads {l, e: [{p, k, v, t}]} and expands each entry's key:
// the first p bytes of the previous entry's key followed by k.
func parseTreeNode(n dagcbor.Node) (*treeNode, error) {
	if n.Kind() != dagcbor.KindMap {
		return nil, fmt.Errorf("tree node is a %s, want map", n.Kind())
	}

	tn := &treeNode{}
	if l, ok := n.Lookup("l"); ok && !l.IsNull() {
		if tn.left, ok = l.AsLink(); !ok {
			return nil, fmt.Errorf("tree node 'l' is a %s, want link", l.Kind())
		}
	}

	e, ok := n.Lookup("e")
	if !ok {
		return nil, fmt.Errorf("tree node missing 'e'")
	}
	items, ok := e.AsList()
	if !ok {
		return nil, fmt.Errorf("tree node 'e' is a %s, want list", e.Kind())
	}

	var lastKey []byte
	tn.entries = make([]treeEntry, 0, len(items))
	for i, item := range items {
		p, err := intField(item, "p")
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if p < 0 || p > int64(len(lastKey)) {
			return nil, fmt.Errorf("entry %d: prefix length %d with previous key of %d bytes", i, p, len(lastKey))
		}

		kn, _ := item.Lookup("k")
		suffix, ok := kn.AsBytes()
		if !ok {
			return nil, fmt.Errorf("entry %d: 'k' is a %s, want bytes", i, kn.Kind())
		}

		vn, _ := item.Lookup("v")
		value, ok := vn.AsLink()
		if !ok {
			return nil, fmt.Errorf("entry %d: 'v' is a %s, want link", i, vn.Kind())
		}

		var right cid.Cid
		if tv, ok := item.Lookup("t"); ok && !tv.IsNull() {
			if right, ok = tv.AsLink(); !ok {
				return nil, fmt.Errorf("entry %d: 't' is a %s, want link", i, tv.Kind())
			}
		}

		lastKey = append(lastKey[:p], suffix...)
		if len(lastKey) == 0 {
			return nil, fmt.Errorf("entry %d: empty key", i)
		}
		tn.entries = append(tn.entries, treeEntry{
			key:   string(lastKey),
			value: value,
			right: right,
		})
	}

	return tn, nil
}

func intField(n dagcbor.Node, name string) (int64, error) {
	v, ok := n.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("missing '%s'", name)
	}
	i, ok := v.AsInt()
	if !ok {
		return 0, fmt.Errorf("'%s' is a %s, want int", name, v.Kind())
	}
	return i, nil
}
