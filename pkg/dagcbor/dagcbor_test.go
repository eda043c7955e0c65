package dagcbor

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/jazware/repocar/pkg/car"
	mh "github.com/multiformats/go-multihash"
)

func testLink(t *testing.T, data string) cid.Cid {
	t.Helper()
	c, err := car.SumCID(car.CodecRaw, mh.SHA2_256, []byte(data))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func newDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	return d
}

func TestDecodeRecord(t *testing.T) {
	link := testLink(t, "blob")
	raw, err := cbornode.DumpObject(map[string]any{
		"$type":  "app.bsky.feed.post",
		"text":   "hello",
		"count":  5,
		"offset": -3,
		"sig":    []byte{1, 2, 3},
		"langs":  []any{"en", nil, true},
		"embed":  map[string]any{"ref": link},
	})
	if err != nil {
		t.Fatalf("DumpObject: %v", err)
	}

	n, err := newDecoder(t).DecodeCBOR(raw)
	if err != nil {
		t.Fatalf("DecodeCBOR: %v", err)
	}
	if n.Kind() != KindMap || n.Len() != 7 {
		t.Fatalf("expected map of 7 entries, got %s of %d", n.Kind(), n.Len())
	}

	if v, _ := n.Lookup("text"); !v.Equal(NewString("hello")) {
		t.Errorf("text: got %v", v.Value())
	}
	if v, _ := n.Lookup("count"); !v.Equal(NewInt(5)) {
		t.Errorf("count: got %v", v.Value())
	}
	if v, _ := n.Lookup("offset"); !v.Equal(NewInt(-3)) {
		t.Errorf("offset: got %v", v.Value())
	}
	if v, _ := n.Lookup("sig"); !v.Equal(NewBytes([]byte{1, 2, 3})) {
		t.Errorf("sig: got %v", v.Value())
	}
	if v, _ := n.Lookup("langs"); !v.Equal(NewList(NewString("en"), NewNull(), NewBool(true))) {
		t.Errorf("langs: got %v", v.Value())
	}
	if _, ok := n.Lookup("missing"); ok {
		t.Error("lookup of absent key succeeded")
	}

	links := n.Links()
	if len(links) != 1 || links[0] != link {
		t.Errorf("links: got %v, want [%s]", links, link)
	}

	entries, _ := n.Entries()
	for i := 1; i < len(entries); i++ {
		if !keyLess(entries[i-1].Key, entries[i].Key) {
			t.Errorf("entries not in canonical order: %q before %q", entries[i-1].Key, entries[i].Key)
		}
	}
}

func TestDecodeDispatchesOnCodec(t *testing.T) {
	d := newDecoder(t)

	payload := []byte{0xa1, 0x61, 'a', 0x01}
	c, _ := car.SumCID(car.CodecRaw, mh.SHA2_256, payload)
	n, err := d.Decode(c, payload)
	if err != nil {
		t.Fatalf("Decode raw: %v", err)
	}
	if b, ok := n.AsBytes(); !ok || !bytes.Equal(b, payload) {
		t.Errorf("raw codec should yield the payload as bytes, got %s", n.Kind())
	}

	c, _ = car.SumCID(car.CodecDagCBOR, mh.SHA2_256, payload)
	n, err = d.Decode(c, payload)
	if err != nil {
		t.Fatalf("Decode dag-cbor: %v", err)
	}
	if v, ok := n.Lookup("a"); !ok || !v.Equal(NewInt(1)) {
		t.Errorf("expected {a: 1}, got %v", n.Value())
	}

	bad := []byte{0x62, 'a'}
	c, _ = car.SumCID(car.CodecDagCBOR, mh.SHA2_256, bad)
	_, err = d.Decode(c, bad)
	if !errors.Is(err, car.ErrMalformedNode) {
		t.Fatalf("expected malformed node, got %v", err)
	}
	if car.KindOf(err).Fatal() {
		t.Error("malformed node should be a soft failure kind")
	}
}

func TestDecodeRejects(t *testing.T) {
	link := testLink(t, "x")

	tests := []struct {
		name string
		in   []byte
	}{
		{name: "truncated text", in: []byte{0x62, 'a'}},
		{name: "trailing bytes", in: []byte{0x01, 0x01}},
		{name: "indefinite array", in: []byte{0x9f, 0x01, 0xff}},
		{name: "duplicate key", in: []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02}},
		{name: "integer key", in: []byte{0xa1, 0x01, 0x02}},
		{name: "time tag", in: []byte{0xc1, 0x1a, 0x00, 0x00, 0x00, 0x00}},
		{name: "link without prefix", in: append([]byte{0xd8, 0x2a, 0x58, byte(len(link.Bytes()))}, link.Bytes()...)},
		{name: "link to text", in: []byte{0xd8, 0x2a, 0x61, 'a'}},
		{name: "nan", in: []byte{0xf9, 0x7e, 0x00}},
		{name: "infinity", in: []byte{0xf9, 0x7c, 0x00}},
		{name: "uint64 overflow", in: []byte{0x1b, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{name: "invalid utf8", in: []byte{0x61, 0xff}},
	}

	d := newDecoder(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if n, err := d.DecodeCBOR(tt.in); err == nil {
				t.Fatalf("expected error, decoded %s", n.Kind())
			}
		})
	}
}

func TestMaxDepth(t *testing.T) {
	var in []byte
	for i := 0; i < 10; i++ {
		in = append(in, 0x81)
	}
	in = append(in, 0x01)

	d, err := NewDecoder(WithMaxDepth(5))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.DecodeCBOR(in); err == nil {
		t.Fatal("expected nesting error")
	}
	if _, err := newDecoder(t).DecodeCBOR(in); err != nil {
		t.Fatalf("default depth should accept 10 levels: %v", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	enc, err := NewEncoder()
	if err != nil {
		t.Fatal(err)
	}
	node := NewMap(
		Entry{Key: "zz", Value: NewFloat(0.25)},
		Entry{Key: "a", Value: NewLink(testLink(t, "y"))},
		Entry{Key: "list", Value: NewList(NewInt(-7), NewBytes([]byte("hi")), NewNull())},
		Entry{Key: "b", Value: NewBool(false)},
	)

	blk, err := enc.Block(node)
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if err := blk.Verify(); err != nil {
		t.Fatalf("encoded block does not verify: %v", err)
	}

	got, err := newDecoder(t).Decode(blk.CID, blk.Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Equal(node) {
		t.Errorf("round trip mismatch:\n got %s\nwant %s", got.AppendJSON(nil), node.AppendJSON(nil))
	}

	again, err := enc.Encode(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again, blk.Data) {
		t.Error("re-encoding is not byte-identical")
	}
}

func TestMarshalJSON(t *testing.T) {
	link := testLink(t, "z")
	node := NewMap(
		Entry{Key: "text", Value: NewString("line\n\"quoted\"  ")},
		Entry{Key: "n", Value: NewInt(42)},
		Entry{Key: "blob", Value: NewMap(
			Entry{Key: "ref", Value: NewLink(link)},
			Entry{Key: "raw", Value: NewBytes([]byte{0xff, 0x00})},
		)},
		Entry{Key: "ok", Value: NewBool(true)},
		Entry{Key: "none", Value: NewNull()},
		Entry{Key: "f", Value: NewFloat(1.5)},
	)

	got, err := node.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"f":1.5,"n":42,"ok":true,` +
		`"blob":{"raw":{"$bytes":"/wA"},"ref":{"$link":"` + link.String() + `"}},` +
		`"none":null,"text":"line\n\"quoted\"  "}`
	if string(got) != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func TestValue(t *testing.T) {
	link := testLink(t, "v")
	node := NewMap(
		Entry{Key: "l", Value: NewLink(link)},
		Entry{Key: "xs", Value: NewList(NewInt(1), NewString("two"))},
	)
	v, ok := node.Value().(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", node.Value())
	}
	if v["l"] != link {
		t.Errorf("link value: got %v", v["l"])
	}
	xs, ok := v["xs"].([]any)
	if !ok || len(xs) != 2 || xs[0] != int64(1) || xs[1] != "two" {
		t.Errorf("list value: got %#v", v["xs"])
	}
}
