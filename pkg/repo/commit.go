package repo

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/jazware/repocar/pkg/dagcbor"
)

// Commit is the signed root of one repository snapshot.
type Commit struct {
	CID     cid.Cid
	DID     string
	Version int64
	Data    cid.Cid // root of the record MST
	Rev     string
	Prev    *cid.Cid
	Sig     []byte
}

func commitFromNode(c cid.Cid, n dagcbor.Node) (*Commit, error) {
	if n.Kind() != dagcbor.KindMap {
		return nil, fmt.Errorf("commit is a %s, want map", n.Kind())
	}

	commit := &Commit{CID: c}

	data, ok := n.Lookup("data")
	if !ok {
		return nil, fmt.Errorf("commit missing 'data' field")
	}
	if commit.Data, ok = data.AsLink(); !ok {
		return nil, fmt.Errorf("commit 'data' is a %s, want link", data.Kind())
	}

	if v, ok := n.Lookup("did"); ok {
		if commit.DID, ok = v.AsString(); !ok {
			return nil, fmt.Errorf("commit 'did' is a %s, want string", v.Kind())
		}
	}
	if v, ok := n.Lookup("version"); ok {
		if commit.Version, ok = v.AsInt(); !ok {
			return nil, fmt.Errorf("commit 'version' is a %s, want int", v.Kind())
		}
	}
	if v, ok := n.Lookup("rev"); ok {
		if commit.Rev, ok = v.AsString(); !ok {
			return nil, fmt.Errorf("commit 'rev' is a %s, want string", v.Kind())
		}
	}
	if v, ok := n.Lookup("prev"); ok && !v.IsNull() {
		prev, ok := v.AsLink()
		if !ok {
			return nil, fmt.Errorf("commit 'prev' is a %s, want link", v.Kind())
		}
		commit.Prev = &prev
	}
	if v, ok := n.Lookup("sig"); ok {
		if commit.Sig, ok = v.AsBytes(); !ok {
			return nil, fmt.Errorf("commit 'sig' is a %s, want bytes", v.Kind())
		}
	}

	return commit, nil
}
