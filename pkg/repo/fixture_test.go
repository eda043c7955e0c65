package repo

import (
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/jazware/repocar/pkg/car"
	"github.com/jazware/repocar/pkg/dagcbor"
	mh "github.com/multiformats/go-multihash"
)

const testDID = "did:plc:ewvi7nxzyoun6zhxrhs64oiz"

type fixtureRecord struct {
	key  string
	node dagcbor.Node
	raw  []byte // used verbatim as a dag-cbor payload when set
}

type treeFixtureEntry struct {
	key   string
	value cid.Cid
	right cid.Cid
}

// repoFixture is an in-memory repo: one signed commit, a small MST and the
// record blocks it points at.
type repoFixture struct {
	t       *testing.T
	enc     *dagcbor.Encoder
	commit  *car.Block
	tree    []*car.Block
	records map[string]*car.Block
	keys    []string
}

func newRepoFixture(t *testing.T, recs ...fixtureRecord) *repoFixture {
	t.Helper()
	enc, err := dagcbor.NewEncoder()
	if err != nil {
		t.Fatal(err)
	}
	f := &repoFixture{t: t, enc: enc, records: make(map[string]*car.Block)}

	var entries []treeFixtureEntry
	for _, r := range recs {
		blk := f.recordBlock(r)
		f.records[r.key] = blk
		f.keys = append(f.keys, r.key)
		entries = append(entries, treeFixtureEntry{key: r.key, value: blk.CID})
	}

	root := f.buildTree(entries)
	f.commit = f.block(dagcbor.NewMap(
		dagcbor.Entry{Key: "did", Value: dagcbor.NewString(testDID)},
		dagcbor.Entry{Key: "version", Value: dagcbor.NewInt(3)},
		dagcbor.Entry{Key: "data", Value: dagcbor.NewLink(root)},
		dagcbor.Entry{Key: "rev", Value: dagcbor.NewString("3l4qk5v2abc2e")},
		dagcbor.Entry{Key: "prev", Value: dagcbor.NewNull()},
		dagcbor.Entry{Key: "sig", Value: dagcbor.NewBytes(bytes.Repeat([]byte{0x07}, 64))},
	))
	return f
}

func (f *repoFixture) block(n dagcbor.Node) *car.Block {
	f.t.Helper()
	blk, err := f.enc.Block(n)
	if err != nil {
		f.t.Fatalf("encoding block: %v", err)
	}
	return blk
}

func (f *repoFixture) recordBlock(r fixtureRecord) *car.Block {
	f.t.Helper()
	if r.raw == nil {
		return f.block(r.node)
	}
	c, err := car.SumCID(car.CodecDagCBOR, mh.SHA2_256, r.raw)
	if err != nil {
		f.t.Fatal(err)
	}
	return &car.Block{CID: c, Data: r.raw}
}

// buildTree lays entries out over two levels so the walk exercises a left
// subtree, right subtrees and prefix compression. Entries must be sorted.
func (f *repoFixture) buildTree(entries []treeFixtureEntry) cid.Cid {
	if len(entries) <= 2 {
		return f.treeNode(cid.Undef, entries)
	}
	left := f.treeNode(cid.Undef, entries[:2])
	var top []treeFixtureEntry
	rest := entries[2:]
	for i := 0; i < len(rest); i += 2 {
		e := rest[i]
		if i+1 < len(rest) {
			e.right = f.treeNode(cid.Undef, rest[i+1:i+2])
		}
		top = append(top, e)
	}
	return f.treeNode(left, top)
}

// treeNode encodes one MST node with entries in the given order.
func (f *repoFixture) treeNode(left cid.Cid, entries []treeFixtureEntry) cid.Cid {
	var prev string
	items := make([]dagcbor.Node, 0, len(entries))
	for _, e := range entries {
		p := 0
		for p < len(prev) && p < len(e.key) && prev[p] == e.key[p] {
			p++
		}
		items = append(items, dagcbor.NewMap(
			dagcbor.Entry{Key: "p", Value: dagcbor.NewInt(int64(p))},
			dagcbor.Entry{Key: "k", Value: dagcbor.NewBytes([]byte(e.key[p:]))},
			dagcbor.Entry{Key: "v", Value: dagcbor.NewLink(e.value)},
			dagcbor.Entry{Key: "t", Value: linkOrNull(e.right)},
		))
		prev = e.key
	}
	blk := f.block(dagcbor.NewMap(
		dagcbor.Entry{Key: "l", Value: linkOrNull(left)},
		dagcbor.Entry{Key: "e", Value: dagcbor.NewList(items...)},
	))
	f.tree = append(f.tree, blk)
	return blk.CID
}

func linkOrNull(c cid.Cid) dagcbor.Node {
	if !c.Defined() {
		return dagcbor.NewNull()
	}
	return dagcbor.NewLink(c)
}

// blocks returns commit, tree nodes, then records in key order.
func (f *repoFixture) blocks() []*car.Block {
	out := []*car.Block{f.commit}
	out = append(out, f.tree...)
	for _, k := range f.keys {
		out = append(out, f.records[k])
	}
	return out
}

// archive writes the blocks under the commit root and returns the bytes and
// the offset at which each frame ends.
func (f *repoFixture) archive(blocks []*car.Block) ([]byte, []int) {
	f.t.Helper()
	return writeArchive(f.t, []cid.Cid{f.commit.CID}, blocks)
}

func writeArchive(t *testing.T, roots []cid.Cid, blocks []*car.Block) ([]byte, []int) {
	t.Helper()
	var buf bytes.Buffer
	w, err := car.NewWriter(&buf, roots)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	boundaries := []int{buf.Len()}
	for _, b := range blocks {
		if err := w.WriteBlock(b.CID, b.Data); err != nil {
			t.Fatal(err)
		}
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}
		boundaries = append(boundaries, buf.Len())
	}
	return buf.Bytes(), boundaries
}

func without(blocks []*car.Block, drop cid.Cid) []*car.Block {
	var out []*car.Block
	for _, b := range blocks {
		if b.CID != drop {
			out = append(out, b)
		}
	}
	return out
}

func post(text string) dagcbor.Node {
	return dagcbor.NewMap(
		dagcbor.Entry{Key: "$type", Value: dagcbor.NewString("app.bsky.feed.post")},
		dagcbor.Entry{Key: "text", Value: dagcbor.NewString(text)},
		dagcbor.Entry{Key: "createdAt", Value: dagcbor.NewString("2024-03-01T10:00:00.000Z")},
	)
}

func widget(n int64) dagcbor.Node {
	return dagcbor.NewMap(
		dagcbor.Entry{Key: "$type", Value: dagcbor.NewString("com.example.widget")},
		dagcbor.Entry{Key: "n", Value: dagcbor.NewInt(n)},
	)
}

func standardRecords() []fixtureRecord {
	return []fixtureRecord{
		{key: "app.bsky.feed.post/3aaa", node: post("first")},
		{key: "app.bsky.feed.post/3aab", node: post("second")},
		{key: "app.bsky.feed.post/3aac", node: post("third")},
		{key: "app.bsky.graph.follow/3aaa", node: dagcbor.NewMap(
			dagcbor.Entry{Key: "$type", Value: dagcbor.NewString("app.bsky.graph.follow")},
			dagcbor.Entry{Key: "subject", Value: dagcbor.NewString("did:plc:abc123")},
			dagcbor.Entry{Key: "createdAt", Value: dagcbor.NewString("2024-03-01T10:00:00Z")},
		)},
		{key: "com.example.widget/3aaa", node: widget(1)},
		{key: "com.example.widget/self", node: widget(2)},
	}
}
