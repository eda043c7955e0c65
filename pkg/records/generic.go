package records

import (
	"github.com/jazware/repocar/pkg/dagcbor"
)

// Generic is a record of a collection with no registered decoder. It keeps
// the raw decoded structure.
type Generic struct {
	Type string // the record's $type, if it carries one
	Node dagcbor.Node
}

// NewGeneric wraps node.
func NewGeneric(node dagcbor.Node) *Generic {
	g := &Generic{Node: node}
	if t, ok := node.Lookup("$type"); ok {
		g.Type, _ = t.AsString()
	}
	return g
}

// MarshalJSON renders the record in the ATProto JSON data model.
func (g *Generic) MarshalJSON() ([]byte, error) {
	return g.Node.MarshalJSON()
}
