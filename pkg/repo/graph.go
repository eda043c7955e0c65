package repo

import (
	"github.com/ipfs/go-cid"
	"github.com/jazware/repocar/pkg/car"
	"github.com/jazware/repocar/pkg/dagcbor"
)

type graphEntry struct {
	node dagcbor.Node
	err  error // decode failure, reported when the block is reached
}

// graph is the CID-keyed block table for one decode pass. Blocks are decoded
// as they arrive; payloads that fail to decode keep their error so lookups
// distinguish malformed blocks from missing ones.
type graph struct {
	dec   *dagcbor.Decoder
	nodes map[cid.Cid]graphEntry
}

func newGraph(dec *dagcbor.Decoder) *graph {
	return &graph{dec: dec, nodes: make(map[cid.Cid]graphEntry, 256)}
}

// add stores a verified block. A CID seen twice carries identical content,
// so the first copy wins.
func (g *graph) add(b *car.Block) {
	if _, ok := g.nodes[b.CID]; ok {
		return
	}
	n, err := g.dec.Decode(b.CID, b.Data)
	g.nodes[b.CID] = graphEntry{node: n, err: err}
}

func (g *graph) has(c cid.Cid) bool {
	_, ok := g.nodes[c]
	return ok
}

// get returns the decoded node for c. A missing block is a dangling
// reference; a block that failed to decode returns its decode error.
func (g *graph) get(c cid.Cid) (dagcbor.Node, error) {
	e, ok := g.nodes[c]
	if !ok {
		return dagcbor.Node{}, &car.Error{Kind: car.KindDanglingReference, CID: c}
	}
	if e.err != nil {
		return dagcbor.Node{}, e.err
	}
	return e.node, nil
}

func (g *graph) len() int {
	return len(g.nodes)
}
