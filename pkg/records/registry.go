// Package records materializes decoded repo record nodes into typed values.
package records

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/jazware/repocar/pkg/dagcbor"
)

// DecodeFunc converts a record's generic node into a typed value. It should
// reject nodes missing required fields or holding them with the wrong type.
type DecodeFunc func(node dagcbor.Node) (any, error)

// Registry maps collection NSIDs to record decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewRegistry returns an empty registry. Every collection materializes as a
// Generic record until a decoder is registered for it.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

// Register installs fn for collection, replacing any previous decoder.
func (r *Registry) Register(collection string, fn DecodeFunc) error {
	if _, err := syntax.ParseNSID(collection); err != nil {
		return fmt.Errorf("registering %q: %w", collection, err)
	}
	if fn == nil {
		return fmt.Errorf("registering %q: nil decoder", collection)
	}
	r.mu.Lock()
	r.decoders[collection] = fn
	r.mu.Unlock()
	return nil
}

// Lookup returns the decoder registered for collection.
func (r *Registry) Lookup(collection string) (DecodeFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	fn, ok := r.decoders[collection]
	r.mu.RUnlock()
	return fn, ok
}

// Collections lists the registered collections in sorted order.
func (r *Registry) Collections() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.decoders))
	for c := range r.decoders {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Materialize converts node using the decoder registered for collection.
// Unregistered collections yield a *Generic and typed is false. A nil
// Registry materializes everything generically.
func (r *Registry) Materialize(collection string, node dagcbor.Node) (value any, typed bool, err error) {
	fn, ok := r.Lookup(collection)
	if !ok {
		return NewGeneric(node), false, nil
	}
	v, err := fn(node)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
