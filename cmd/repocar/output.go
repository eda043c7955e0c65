package main

import (
	"bufio"
	"io"
	"sync"

	"github.com/goccy/go-json"
	"github.com/jazware/repocar/pkg/repo"
)

// recordLine is one JSONL output row.
type recordLine struct {
	Source     string `json:"source,omitempty"`
	DID        string `json:"did,omitempty"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
	CID        string `json:"cid"`
	Typed      bool   `json:"typed"`
	Value      any    `json:"value"`
}

// lineWriter serializes JSONL rows from concurrent decodes.
type lineWriter struct {
	mu  sync.Mutex
	bw  *bufio.Writer
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	bw := bufio.NewWriterSize(w, 256*1024)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &lineWriter{bw: bw, enc: enc}
}

func (lw *lineWriter) Write(source, did string, rec *repo.Record) error {
	line := recordLine{
		Source:     source,
		DID:        did,
		Collection: rec.Collection,
		RKey:       rec.RKey,
		CID:        rec.CID.String(),
		Typed:      rec.Typed,
		Value:      rec.Value,
	}

	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.enc.Encode(line)
}

func (lw *lineWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.bw.Flush()
}
