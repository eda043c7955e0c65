// Package repo decodes ATProto repository archives into verified records.
package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	"github.com/jazware/repocar/pkg/car"
	"github.com/jazware/repocar/pkg/dagcbor"
	"github.com/jazware/repocar/pkg/records"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("repo")

// DefaultMaxSoftFailures caps how many soft failures a Result retains.
const DefaultMaxSoftFailures = 1000

// Record is one decoded repo record.
type Record struct {
	Collection string
	RKey       string
	CID        cid.Cid
	Value      any  // registry-decoded value, or *records.Generic
	Typed      bool // Value came from a registered decoder
	Node       dagcbor.Node
}

// Path returns the record's repo path, collection/rkey.
func (r *Record) Path() string {
	return r.Collection + "/" + r.RKey
}

// RecordFunc receives each record as soon as it is resolved. A non-nil
// return aborts the pass.
type RecordFunc func(rec *Record) error

// Result summarizes a decode pass.
type Result struct {
	Version uint64
	Roots   []cid.Cid
	Commits []*Commit
	Blocks  int
	Bytes   int64
	Records int
	Typed   int

	// SoftFailures holds up to the configured cap of non-fatal failures;
	// DroppedFailures counts the ones past the cap.
	SoftFailures    []*car.Error
	DroppedFailures int
}

// Failures is the total number of soft failures seen, retained or not.
func (r *Result) Failures() int {
	return len(r.SoftFailures) + r.DroppedFailures
}

// Decoder decodes repo archives. It is configured once and holds no state
// between passes, so one Decoder may run many passes concurrently.
type Decoder struct {
	nodes           *dagcbor.Decoder
	registry        *records.Registry
	collections     map[string]bool
	strict          bool
	maxSoftFailures int
	maxBlockSize    int
	logger          *slog.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithRegistry sets the collection decoder registry. A nil registry
// materializes every record as *records.Generic.
func WithRegistry(r *records.Registry) Option {
	return func(d *Decoder) { d.registry = r }
}

// WithStrict promotes malformed-node and record-decode failures to fatal.
func WithStrict(strict bool) Option {
	return func(d *Decoder) { d.strict = strict }
}

// WithMaxSoftFailures caps the soft failures retained in a Result. Failures
// past the cap are counted, not stored. n < 0 removes the cap.
func WithMaxSoftFailures(n int) Option {
	return func(d *Decoder) { d.maxSoftFailures = n }
}

// WithMaxBlockSize caps the size of any one archive frame.
func WithMaxBlockSize(n int) Option {
	return func(d *Decoder) { d.maxBlockSize = n }
}

// WithCollections restricts emitted records to the named collections. Other
// records are still resolved and checked for dangling references.
func WithCollections(collections ...string) Option {
	return func(d *Decoder) {
		if len(collections) == 0 {
			d.collections = nil
			return
		}
		d.collections = make(map[string]bool, len(collections))
		for _, c := range collections {
			d.collections[c] = true
		}
	}
}

// WithNodeDecoder sets the DAG-CBOR decoder used for block payloads.
func WithNodeDecoder(nd *dagcbor.Decoder) Option {
	return func(d *Decoder) { d.nodes = nd }
}

// WithLogger sets the logger for per-pass diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decoder) { d.logger = logger }
}

// NewDecoder builds a Decoder. Without WithRegistry it uses
// records.DefaultRegistry.
func NewDecoder(opts ...Option) (*Decoder, error) {
	d := &Decoder{
		registry:        records.DefaultRegistry(),
		maxSoftFailures: DefaultMaxSoftFailures,
		maxBlockSize:    car.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.nodes == nil {
		nd, err := dagcbor.NewDecoder()
		if err != nil {
			return nil, err
		}
		d.nodes = nd
	}
	if d.logger == nil {
		d.logger = slog.Default().With("component", "repo")
	}
	return d, nil
}

// Decode reads one archive from r, verifies every block, walks each root
// commit's record tree and calls fn for every resolved record in key order.
//
// Fatal failures (see car.Kind.Fatal) abort the pass and are returned. The
// Result is non-nil even on error and reflects progress up to the failure.
// Structural failures are found before any record is emitted, so a pass that
// fails on a dangling reference or bad tree delivers no records.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, fn RecordFunc) (*Result, error) {
	ctx, span := tracer.Start(ctx, "repo.Decode")
	defer span.End()

	start := time.Now()
	p := &pass{
		d:    d,
		ctx:  ctx,
		res:  &Result{},
		seen: make(map[string]struct{}),
	}

	err := p.run(r, fn)
	decodeDurationSeconds.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("repo.blocks", p.res.Blocks),
		attribute.Int64("repo.bytes", p.res.Bytes),
		attribute.Int("repo.records", p.res.Records),
		attribute.Int("repo.soft_failures", p.res.Failures()),
	)

	if err != nil {
		result := "error"
		if k := car.KindOf(err); k != 0 {
			result = k.String()
		} else if ctx.Err() != nil {
			result = "canceled"
		}
		decodesTotal.WithLabelValues(result).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.res, err
	}

	decodesTotal.WithLabelValues("success").Inc()
	repoRecords.Observe(float64(p.res.Records))
	return p.res, nil
}

// Collect decodes r and returns every record.
func Collect(ctx context.Context, d *Decoder, r io.Reader) ([]*Record, *Result, error) {
	var recs []*Record
	res, err := d.Decode(ctx, r, func(rec *Record) error {
		recs = append(recs, rec)
		return nil
	})
	return recs, res, err
}

type leaf struct {
	collection string
	rkey       string
	cid        cid.Cid
}

// pass is the state of one Decode call.
type pass struct {
	d      *Decoder
	ctx    context.Context
	res    *Result
	g      *graph
	seen   map[string]struct{}
	leaves []leaf

	// visited holds the tree nodes walked under the current root.
	visited map[cid.Cid]struct{}

	lastKey string
	hasLast bool
}

func (p *pass) run(r io.Reader, fn RecordFunc) error {
	if err := p.ingest(r); err != nil {
		return err
	}

	for _, root := range p.res.Roots {
		if err := p.planRoot(root); err != nil {
			return err
		}
	}

	for _, l := range p.leaves {
		if err := p.ctx.Err(); err != nil {
			return fmt.Errorf("decode canceled: %w", err)
		}
		if err := p.emit(l, fn); err != nil {
			return err
		}
	}
	return nil
}

// ingest reads every block into the graph table.
func (p *pass) ingest(r io.Reader) error {
	cr, err := car.NewReader(r, car.WithMaxBlockSize(p.d.maxBlockSize))
	if err != nil {
		return err
	}
	hdr := cr.Header()
	p.res.Version = hdr.Version
	p.res.Roots = hdr.Roots
	p.g = newGraph(p.d.nodes)

	for {
		if err := p.ctx.Err(); err != nil {
			return fmt.Errorf("decode canceled: %w", err)
		}
		blk, err := cr.Next()
		p.res.Bytes = cr.BytesRead()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		p.g.add(blk)
		p.res.Blocks++
		blocksReadTotal.Inc()
		blockBytesTotal.Add(float64(len(blk.Data)))
	}

	p.d.logger.Debug("archive ingested",
		"roots", len(p.res.Roots),
		"blocks", p.res.Blocks,
		"unique_blocks", p.g.len(),
		"bytes", p.res.Bytes,
	)
	return nil
}

// planRoot decodes a root commit and walks its tree, queueing leaves.
func (p *pass) planRoot(root cid.Cid) error {
	n, err := p.g.get(root)
	if err != nil {
		return p.nodeFailure(err)
	}
	commit, err := commitFromNode(root, n)
	if err != nil {
		return p.soft(&car.Error{Kind: car.KindMalformedNode, CID: root, Err: err})
	}
	p.res.Commits = append(p.res.Commits, commit)

	p.hasLast = false
	p.visited = make(map[cid.Cid]struct{})
	return p.walk(commit.Data, 0)
}

// walk visits the left subtree, then each entry followed by its right
// subtree, so keys arrive in ascending order. Each node is walked at most
// once per root; a node linked from two places is malformed and its second
// occurrence is skipped.
func (p *pass) walk(c cid.Cid, depth int) error {
	if err := p.ctx.Err(); err != nil {
		return fmt.Errorf("decode canceled: %w", err)
	}
	if depth > maxTreeDepth {
		return p.soft(&car.Error{Kind: car.KindMalformedNode, CID: c, Err: fmt.Errorf("tree deeper than %d levels", maxTreeDepth)})
	}
	if _, ok := p.visited[c]; ok {
		return p.soft(&car.Error{Kind: car.KindMalformedNode, CID: c, Err: fmt.Errorf("tree node linked more than once")})
	}
	p.visited[c] = struct{}{}
	n, err := p.g.get(c)
	if err != nil {
		return p.nodeFailure(err)
	}
	tn, err := parseTreeNode(n)
	if err != nil {
		return p.soft(&car.Error{Kind: car.KindMalformedNode, CID: c, Err: err})
	}

	if tn.left.Defined() {
		if err := p.walk(tn.left, depth+1); err != nil {
			return err
		}
	}
	for _, e := range tn.entries {
		if err := p.visit(c, e); err != nil {
			return err
		}
		if e.right.Defined() {
			if err := p.walk(e.right, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// visit checks one tree entry and queues it for emission.
func (p *pass) visit(node cid.Cid, e treeEntry) error {
	if p.hasLast && e.key <= p.lastKey {
		return p.soft(&car.Error{
			Kind: car.KindMalformedNode,
			CID:  node,
			Path: e.key,
			Err:  fmt.Errorf("key out of order after %q", p.lastKey),
		})
	}
	p.lastKey, p.hasLast = e.key, true

	if !p.g.has(e.value) {
		return &car.Error{Kind: car.KindDanglingReference, CID: e.value, Path: e.key}
	}

	collection, rkey, ok := strings.Cut(e.key, "/")
	if !ok {
		return p.soft(&car.Error{Kind: car.KindMalformedNode, CID: node, Path: e.key, Err: fmt.Errorf("key has no collection separator")})
	}
	if _, err := syntax.ParseNSID(collection); err != nil {
		return p.soft(&car.Error{Kind: car.KindMalformedNode, CID: node, Path: e.key, Err: err})
	}
	if _, err := syntax.ParseRecordKey(rkey); err != nil {
		return p.soft(&car.Error{Kind: car.KindMalformedNode, CID: node, Path: e.key, Err: err})
	}

	if _, dup := p.seen[e.key]; dup {
		p.d.logger.Debug("skipping record already emitted under another root", "path", e.key)
		return nil
	}
	p.seen[e.key] = struct{}{}

	if p.d.collections != nil && !p.d.collections[collection] {
		return nil
	}
	p.leaves = append(p.leaves, leaf{collection: collection, rkey: rkey, cid: e.value})
	return nil
}

// emit materializes one queued leaf and hands it to fn.
func (p *pass) emit(l leaf, fn RecordFunc) error {
	path := l.collection + "/" + l.rkey

	n, err := p.g.get(l.cid)
	if err != nil {
		var cerr *car.Error
		if errors.As(err, &cerr) {
			cerr = &car.Error{Kind: cerr.Kind, CID: cerr.CID, Path: path, Err: cerr.Err}
			err = cerr
		}
		return p.nodeFailure(err)
	}

	value, typed, err := p.d.registry.Materialize(l.collection, n)
	if err != nil {
		return p.soft(&car.Error{Kind: car.KindRecordDecode, CID: l.cid, Path: path, Err: err})
	}

	rec := &Record{
		Collection: l.collection,
		RKey:       l.rkey,
		CID:        l.cid,
		Value:      value,
		Typed:      typed,
		Node:       n,
	}
	if fn != nil {
		if err := fn(rec); err != nil {
			return fmt.Errorf("record callback for %s: %w", path, err)
		}
	}

	p.res.Records++
	if typed {
		p.res.Typed++
		recordsEmittedTotal.WithLabelValues("typed").Inc()
	} else {
		recordsEmittedTotal.WithLabelValues("generic").Inc()
	}
	return nil
}

// nodeFailure routes a graph lookup error: fatal kinds abort, soft kinds are
// collected.
func (p *pass) nodeFailure(err error) error {
	var cerr *car.Error
	if !errors.As(err, &cerr) || cerr.Kind.Fatal() {
		return err
	}
	return p.soft(cerr)
}

// soft records a non-fatal failure, or returns it when running strict.
func (p *pass) soft(err *car.Error) error {
	if p.d.strict {
		return err
	}
	softFailuresTotal.WithLabelValues(err.Kind.String()).Inc()
	p.d.logger.Debug("soft failure", "kind", err.Kind.String(), "path", err.Path, "error", err)

	if p.d.maxSoftFailures >= 0 && len(p.res.SoftFailures) >= p.d.maxSoftFailures {
		p.res.DroppedFailures++
		return nil
	}
	p.res.SoftFailures = append(p.res.SoftFailures, err)
	return nil
}
