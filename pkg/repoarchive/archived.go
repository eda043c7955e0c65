package repoarchive

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jazware/repocar/pkg/repo"
)

// NewArchivedRepo starts an empty repo for records fetched from pds.
func NewArchivedRepo(pds string) *ArchivedRepo {
	return &ArchivedRepo{
		PDS:         pds,
		ArchivedAt:  time.Now().UTC(),
		Collections: make(map[string][]Record),
	}
}

// Add appends a decoded record, rendering its value as JSON.
func (a *ArchivedRepo) Add(rec *repo.Record) error {
	data, err := json.Marshal(rec.Value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", rec.Path(), err)
	}
	if a.Collections == nil {
		a.Collections = make(map[string][]Record)
	}
	a.Collections[rec.Collection] = append(a.Collections[rec.Collection], Record{
		RKey: rec.RKey,
		CID:  rec.CID,
		JSON: data,
	})
	return nil
}

// SetCommit copies repo identity from the decoded commit. DID is only
// filled when not already set.
func (a *ArchivedRepo) SetCommit(c *repo.Commit) {
	if c == nil {
		return
	}
	if a.DID == "" {
		a.DID = c.DID
	}
	a.Rev = c.Rev
	a.Commit = c.CID
}

// RecordCount returns the number of records across all collections.
func (a *ArchivedRepo) RecordCount() int {
	var n int
	for _, recs := range a.Collections {
		n += len(recs)
	}
	return n
}
