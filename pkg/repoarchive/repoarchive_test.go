package repoarchive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/jazware/repocar/pkg/car"
	"github.com/jazware/repocar/pkg/dagcbor"
	"github.com/jazware/repocar/pkg/records"
	"github.com/jazware/repocar/pkg/repo"
	mh "github.com/multiformats/go-multihash"
)

func testCID(t *testing.T, s string) cid.Cid {
	t.Helper()
	c, err := car.SumCID(car.CodecDagCBOR, mh.SHA2_256, []byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func rec(t *testing.T, rkey, json string) Record {
	return Record{RKey: rkey, CID: testCID(t, rkey+json), JSON: []byte(json)}
}

func writeRepos(t *testing.T, dir string, repos []*ArchivedRepo, opts ...WriterOption) *SegmentWriter {
	t.Helper()
	writer, err := NewSegmentWriter(dir, opts...)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range repos {
		if err := writer.WriteRepo(context.Background(), r); err != nil {
			t.Fatalf("WriteRepo: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return writer
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()

	commit := testCID(t, "commit-aaa")
	post := rec(t, "3abc", `{"text":"hello world","$type":"app.bsky.feed.post"}`)
	repos := []*ArchivedRepo{
		{
			DID:        "did:plc:aaa111",
			PDS:        "https://pds1.example.com",
			Rev:        "rev1",
			Commit:     commit,
			ArchivedAt: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
			Collections: map[string][]Record{
				"app.bsky.feed.post": {
					post,
					rec(t, "3def", `{"text":"second post","$type":"app.bsky.feed.post"}`),
				},
				"app.bsky.graph.follow": {
					rec(t, "3ghi", `{"subject":"did:plc:bbb222","$type":"app.bsky.graph.follow"}`),
				},
			},
		},
		{
			DID:        "did:plc:bbb222",
			PDS:        "https://pds2.example.com",
			Rev:        "rev2",
			ArchivedAt: time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC),
			Collections: map[string][]Record{
				"app.bsky.feed.post": {
					rec(t, "3xyz", `{"text":"from bbb","$type":"app.bsky.feed.post"}`),
				},
				"app.bsky.feed.like": {
					rec(t, "3lk1", `{"subject":{"uri":"at://did:plc:aaa111/app.bsky.feed.post/3abc"}}`),
				},
			},
		},
	}

	writer := writeRepos(t, dir, repos, WithSegmentSize(1024*1024))
	if writer.TotalRepos() != 2 {
		t.Errorf("TotalRepos: got %d, want 2", writer.TotalRepos())
	}

	reader, err := OpenSegment(SegmentPath(dir, 1))
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	defer reader.Close()

	header := reader.Header()
	if header.RepoCount != 2 {
		t.Errorf("header.RepoCount: got %d, want 2", header.RepoCount)
	}
	if header.Version != Version {
		t.Errorf("header.Version: got %d, want %d", header.Version, Version)
	}

	readRepos := 0
	for reader.Next() {
		r := reader.Repo()
		readRepos++

		switch r.DID {
		case "did:plc:aaa111":
			if r.PDS != "https://pds1.example.com" {
				t.Errorf("PDS: got %q", r.PDS)
			}
			if r.Rev != "rev1" {
				t.Errorf("Rev: got %q, want %q", r.Rev, "rev1")
			}
			if !r.Commit.Equals(commit) {
				t.Errorf("Commit: got %s, want %s", r.Commit, commit)
			}
			if !r.ArchivedAt.Equal(repos[0].ArchivedAt) {
				t.Errorf("ArchivedAt: got %v", r.ArchivedAt)
			}
			if r.RecordCount() != 3 {
				t.Errorf("RecordCount: got %d, want 3", r.RecordCount())
			}
			collCount := 0
			for r.NextCollection() {
				col := r.Collection()
				collCount++
				var got []*Record
				for col.NextRecord() {
					rc, err := col.Record()
					if err != nil {
						t.Fatalf("Record: %v", err)
					}
					got = append(got, rc)
				}
				switch col.Name {
				case "app.bsky.feed.post":
					if len(got) != 2 {
						t.Fatalf("post records: got %d, want 2", len(got))
					}
					if got[0].RKey != "3abc" || !got[0].CID.Equals(post.CID) || string(got[0].JSON) != string(post.JSON) {
						t.Errorf("first post: got %+v", got[0])
					}
				case "app.bsky.graph.follow":
					if len(got) != 1 {
						t.Errorf("follow records: got %d, want 1", len(got))
					}
				default:
					t.Errorf("unexpected collection: %s", col.Name)
				}
			}
			if r.Err() != nil {
				t.Fatalf("collection iteration: %v", r.Err())
			}
			if collCount != 2 {
				t.Errorf("collection count for aaa: got %d, want 2", collCount)
			}

		case "did:plc:bbb222":
			if r.PDS != "https://pds2.example.com" {
				t.Errorf("PDS: got %q", r.PDS)
			}
			if r.Commit.Defined() {
				t.Errorf("expected undefined commit, got %s", r.Commit)
			}

		default:
			t.Errorf("unexpected DID: %s", r.DID)
		}
	}
	if err := reader.Err(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if readRepos != 2 {
		t.Errorf("read repos: got %d, want 2", readRepos)
	}
}

func TestCollectionFilter(t *testing.T) {
	dir := t.TempDir()
	writeRepos(t, dir, []*ArchivedRepo{{
		DID:        "did:plc:filter-test",
		PDS:        "https://pds.example.com",
		Rev:        "rev1",
		ArchivedAt: time.Now(),
		Collections: map[string][]Record{
			"app.bsky.feed.post":    {rec(t, "post1", `{"text":"hello"}`)},
			"app.bsky.feed.like":    {rec(t, "like1", `{"subject":{}}`)},
			"app.bsky.graph.follow": {rec(t, "follow1", `{"subject":"did:plc:xxx"}`)},
		},
	}})

	reader, err := OpenSegment(SegmentPath(dir, 1))
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	reader.SetCollectionFilter("app.bsky.feed.post")

	if !reader.Next() {
		t.Fatalf("expected a repo: %v", reader.Err())
	}

	collNames := []string{}
	r := reader.Repo()
	for r.NextCollection() {
		col := r.Collection()
		collNames = append(collNames, col.Name)
		for col.NextRecord() {
			rc, err := col.Record()
			if err != nil {
				t.Fatal(err)
			}
			if rc.RKey != "post1" {
				t.Errorf("unexpected rkey: %s", rc.RKey)
			}
		}
	}

	if len(collNames) != 1 || collNames[0] != "app.bsky.feed.post" {
		t.Errorf("expected only app.bsky.feed.post, got %v", collNames)
	}
}

func TestIndex(t *testing.T) {
	dir := t.TempDir()

	var repos []*ArchivedRepo
	for _, did := range []string{"did:plc:zzz", "did:plc:aaa", "did:plc:mmm"} {
		repos = append(repos, &ArchivedRepo{
			DID:        did,
			PDS:        "https://pds.example.com",
			ArchivedAt: time.Now(),
			Collections: map[string][]Record{
				"app.bsky.feed.post": {rec(t, "r1", `{"text":"`+did+`"}`)},
			},
		})
	}
	writeRepos(t, dir, repos)

	segPath := SegmentPath(dir, 1)
	index, err := LoadIndex(segPath)
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}

	if len(index.Entries) != 3 {
		t.Fatalf("expected 3 index entries, got %d", len(index.Entries))
	}
	if index.Entries[0].DID != "did:plc:aaa" {
		t.Errorf("first entry: got %q, want did:plc:aaa", index.Entries[0].DID)
	}

	entry, ok := index.FindDID("did:plc:mmm")
	if !ok {
		t.Fatal("FindDID: not found")
	}
	if entry.Size == 0 {
		t.Error("FindDID: size is 0")
	}
	if _, ok := index.FindDID("did:plc:nonexistent"); ok {
		t.Error("FindDID: expected not found")
	}

	// Random access through the index.
	reader, err := OpenSegment(segPath)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	r, err := reader.ReadRepo(entry)
	if err != nil {
		t.Fatalf("ReadRepo: %v", err)
	}
	if !r.NextCollection() || !r.Collection().NextRecord() {
		t.Fatal("expected one record")
	}
	rc, err := r.Collection().Record()
	if err != nil {
		t.Fatal(err)
	}
	if string(rc.JSON) != `{"text":"did:plc:mmm"}` {
		t.Errorf("ReadRepo record: got %s", rc.JSON)
	}

	entry.CRC32++
	if _, err := reader.ReadRepo(entry); err == nil {
		t.Error("expected mismatch error for a stale index entry")
	}
}

func TestParseIndexRejectsBadSections(t *testing.T) {
	const indexOffset = 1000
	encode := func(entries ...IndexEntry) ([]byte, *FileFooter) {
		data, err := (&Index{Entries: entries}).marshal()
		if err != nil {
			t.Fatal(err)
		}
		return data, &FileFooter{
			IndexOffset: indexOffset,
			IndexSize:   uint32(len(data)),
			RepoCount:   uint32(len(entries)),
			CRC32:       checksumCRC32(data),
		}
	}
	a := IndexEntry{DID: "did:plc:aaa", Offset: FileHeaderSize, Size: 100}
	b := IndexEntry{DID: "did:plc:bbb", Offset: FileHeaderSize + 100, Size: 100}

	data, footer := encode(a, b)
	idx, err := parseIndex(data, footer)
	if err != nil {
		t.Fatalf("valid index: %v", err)
	}
	if got := idx.DIDs(); len(got) != 2 || got[1] != "did:plc:bbb" {
		t.Errorf("DIDs: got %v", got)
	}

	tests := []struct {
		name  string
		build func() ([]byte, *FileFooter)
	}{
		{"unsorted", func() ([]byte, *FileFooter) { return encode(b, a) }},
		{"duplicate", func() ([]byte, *FileFooter) { return encode(a, a) }},
		{"block past index", func() ([]byte, *FileFooter) {
			return encode(a, IndexEntry{DID: "did:plc:bbb", Offset: indexOffset - 10, Size: 20})
		}},
		{"block inside header", func() ([]byte, *FileFooter) {
			return encode(IndexEntry{DID: "did:plc:aaa", Offset: 8, Size: 10})
		}},
		{"count mismatch", func() ([]byte, *FileFooter) {
			data, footer := encode(a, b)
			footer.RepoCount = 3
			return data, footer
		}},
		{"crc mismatch", func() ([]byte, *FileFooter) {
			data, footer := encode(a, b)
			footer.CRC32++
			return data, footer
		}},
		{"trailing bytes", func() ([]byte, *FileFooter) {
			data, footer := encode(a, b)
			data = append(data, 0)
			footer.CRC32 = checksumCRC32(data)
			return data, footer
		}},
		{"inflated count", func() ([]byte, *FileFooter) {
			data := []byte{0xff, 0xff, 0xff, 0x0f}
			return data, &FileFooter{IndexOffset: indexOffset, RepoCount: 0x0fffffff, CRC32: checksumCRC32(data)}
		}},
	}
	for _, tt := range tests {
		data, footer := tt.build()
		if _, err := parseIndex(data, footer); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestDuplicateDIDInSegment(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewSegmentWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	ar := &ArchivedRepo{
		DID:        "did:plc:twice",
		ArchivedAt: time.Now(),
		Collections: map[string][]Record{
			"app.bsky.feed.post": {rec(t, "r1", `{"text":"once"}`)},
		},
	}
	if err := writer.WriteRepo(context.Background(), ar); err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteRepo(context.Background(), ar); !errors.Is(err, ErrDuplicateDID) {
		t.Fatalf("expected ErrDuplicateDID, got %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}

	index, err := LoadIndex(SegmentPath(dir, 1))
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if len(index.Entries) != 1 {
		t.Errorf("expected 1 index entry, got %d", len(index.Entries))
	}
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()

	var repos []*ArchivedRepo
	for i := 0; i < 20; i++ {
		repos = append(repos, &ArchivedRepo{
			DID:        fmt.Sprintf("did:plc:%c", 'a'+i),
			PDS:        "https://pds.example.com",
			ArchivedAt: time.Now(),
			Collections: map[string][]Record{
				"app.bsky.feed.post": {
					rec(t, "r1", `{"text":"hello world this is a longer message to force segment rotation"}`),
				},
			},
		})
	}
	writeRepos(t, dir, repos, WithSegmentSize(500))

	files, err := filepath.Glob(filepath.Join(dir, "segment_*.rca"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) < 2 {
		t.Errorf("expected multiple segments, got %d", len(files))
	}

	totalRepos := 0
	for _, f := range files {
		reader, err := OpenSegment(f)
		if err != nil {
			t.Fatalf("OpenSegment(%s): %v", f, err)
		}
		for reader.Next() {
			totalRepos++
			r := reader.Repo()
			for r.NextCollection() {
				col := r.Collection()
				for col.NextRecord() {
					if _, err := col.Record(); err != nil {
						t.Fatalf("Record: %v", err)
					}
				}
			}
		}
		if err := reader.Err(); err != nil {
			t.Fatalf("%s: %v", f, err)
		}
		reader.Close()
	}

	if totalRepos != 20 {
		t.Errorf("total repos across segments: got %d, want 20", totalRepos)
	}
}

func TestEmptyRepo(t *testing.T) {
	dir := t.TempDir()
	writeRepos(t, dir, []*ArchivedRepo{{
		DID:         "did:plc:empty",
		PDS:         "https://pds.example.com",
		ArchivedAt:  time.Now(),
		Collections: map[string][]Record{"app.bsky.feed.post": {}},
	}})

	reader, err := OpenSegment(SegmentPath(dir, 1))
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	if !reader.Next() {
		t.Fatalf("expected one repo: %v", reader.Err())
	}
	r := reader.Repo()
	if r.DID != "did:plc:empty" {
		t.Errorf("DID: got %q", r.DID)
	}
	if r.NextCollection() {
		t.Error("expected empty collections to be dropped")
	}
}

func TestCorruptBlockIsReported(t *testing.T) {
	dir := t.TempDir()
	writeRepos(t, dir, []*ArchivedRepo{{
		DID:        "did:plc:corrupt",
		PDS:        "https://pds.example.com",
		ArchivedAt: time.Now(),
		Collections: map[string][]Record{
			"app.bsky.feed.post": {rec(t, "r1", `{"text":"soon to be flipped"}`)},
		},
	}})

	segPath := SegmentPath(dir, 1)
	index, err := LoadIndex(segPath)
	if err != nil {
		t.Fatal(err)
	}
	entry := index.Entries[0]

	data, err := os.ReadFile(segPath)
	if err != nil {
		t.Fatal(err)
	}
	// Flip the final byte of the compressed collection data.
	data[entry.Offset+int64(entry.Size)-1] ^= 0xff
	if err := os.WriteFile(segPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	reader, err := OpenSegment(segPath)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	if reader.Next() {
		t.Fatal("expected Next to fail on a corrupt block")
	}
	if reader.Err() == nil {
		t.Fatal("expected a CRC32 error")
	}
}

func TestFileStructure(t *testing.T) {
	dir := t.TempDir()
	writeRepos(t, dir, []*ArchivedRepo{{
		DID:        "did:plc:test",
		PDS:        "https://pds.example.com",
		ArchivedAt: time.Now(),
		Collections: map[string][]Record{
			"test": {rec(t, "r1", `{}`)},
		},
	}})

	fi, err := os.Stat(SegmentPath(dir, 1))
	if err != nil {
		t.Fatal(err)
	}
	minSize := int64(FileHeaderSize + FileFooterSize + 10)
	if fi.Size() < minSize {
		t.Errorf("file too small: %d < %d", fi.Size(), minSize)
	}
}

func TestArchivedRepoFromDecodedRecords(t *testing.T) {
	a := NewArchivedRepo("https://pds.example.com")
	value := dagcbor.NewMap(dagcbor.Entry{Key: "text", Value: dagcbor.NewString("hi")})
	recCID := testCID(t, "record")

	if err := a.Add(&repo.Record{
		Collection: "app.bsky.feed.post",
		RKey:       "3aaa",
		CID:        recCID,
		Value:      records.NewGeneric(value),
		Node:       value,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	commit := &repo.Commit{CID: testCID(t, "commit"), DID: "did:plc:decoded", Rev: "3l4qk5v2abc2e"}
	a.SetCommit(commit)
	if a.DID != "did:plc:decoded" || a.Rev != commit.Rev || !a.Commit.Equals(commit.CID) {
		t.Errorf("SetCommit: got %+v", a)
	}
	if a.RecordCount() != 1 {
		t.Fatalf("RecordCount: got %d", a.RecordCount())
	}

	got := a.Collections["app.bsky.feed.post"][0]
	if got.RKey != "3aaa" || !got.CID.Equals(recCID) {
		t.Errorf("record: got %+v", got)
	}
	if string(got.JSON) != `{"text":"hi"}` {
		t.Errorf("JSON: got %s", got.JSON)
	}
}

func TestEncodingHelpers(t *testing.T) {
	data := []byte("hello world")
	crc := checksumCRC32(data)
	if crc == 0 {
		t.Error("CRC32 should not be zero for non-empty data")
	}
	if checksumCRC32(data) != crc {
		t.Error("CRC32 should be deterministic")
	}
}
