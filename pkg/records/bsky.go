package records

import (
	"fmt"
	"time"

	"github.com/araddon/dateparse"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/goccy/go-json"
	"github.com/jazware/repocar/pkg/dagcbor"
)

// Collections with typed decoders in DefaultRegistry.
const (
	FeedPost      = "app.bsky.feed.post"
	FeedLike      = "app.bsky.feed.like"
	FeedRepost    = "app.bsky.feed.repost"
	GraphFollow   = "app.bsky.graph.follow"
	GraphBlock    = "app.bsky.graph.block"
	GraphList     = "app.bsky.graph.list"
	GraphListitem = "app.bsky.graph.listitem"
	ActorProfile  = "app.bsky.actor.profile"
)

// Field names a required record field and the kind it must hold.
type Field struct {
	Name string
	Kind dagcbor.Kind
}

// DefaultRegistry returns a registry with decoders for the common
// app.bsky record types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	mustRegister(r, FeedPost, decodePost)
	mustRegister(r, FeedLike, decodeLike)
	mustRegister(r, FeedRepost, decodeRepost)
	mustRegister(r, GraphFollow, decodeFollow)
	mustRegister(r, GraphBlock, decodeBlock)
	mustRegister(r, GraphList, decodeList)
	mustRegister(r, GraphListitem, decodeListitem)
	mustRegister(r, ActorProfile, decodeProfile)
	return r
}

func mustRegister(r *Registry, collection string, fn DecodeFunc) {
	if err := r.Register(collection, fn); err != nil {
		panic(err)
	}
}

// Lexicon decodes node into T after checking its $type and required fields.
// The node is rendered to ATProto JSON and unmarshalled, so T may be any of
// the generated lexicon types.
func Lexicon[T any](collection string, node dagcbor.Node, required ...Field) (*T, error) {
	if node.Kind() != dagcbor.KindMap {
		return nil, fmt.Errorf("%s: record is a %s, want map", collection, node.Kind())
	}
	typ, ok := node.Lookup("$type")
	if !ok {
		return nil, fmt.Errorf("%s: missing $type", collection)
	}
	if s, _ := typ.AsString(); s != collection {
		return nil, fmt.Errorf("%s: $type is %q", collection, s)
	}
	for _, f := range required {
		v, ok := node.Lookup(f.Name)
		if !ok || v.IsNull() {
			return nil, fmt.Errorf("%s: missing required field %q", collection, f.Name)
		}
		if v.Kind() != f.Kind {
			return nil, fmt.Errorf("%s: field %q is a %s, want %s", collection, f.Name, v.Kind(), f.Kind)
		}
	}

	raw, err := node.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", collection, err)
	}
	return &out, nil
}

// normalizeTime rewrites an ATProto datetime into RFC 3339 UTC.
func normalizeTime(s string) (string, error) {
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return "", fmt.Errorf("createdAt %q: %w", s, err)
	}
	return t.UTC().Format(time.RFC3339Nano), nil
}

func decodePost(node dagcbor.Node) (any, error) {
	post, err := Lexicon[bsky.FeedPost](FeedPost, node,
		Field{"text", dagcbor.KindString},
		Field{"createdAt", dagcbor.KindString},
	)
	if err != nil {
		return nil, err
	}
	if post.CreatedAt, err = normalizeTime(post.CreatedAt); err != nil {
		return nil, err
	}
	return post, nil
}

func decodeLike(node dagcbor.Node) (any, error) {
	like, err := Lexicon[bsky.FeedLike](FeedLike, node,
		Field{"subject", dagcbor.KindMap},
		Field{"createdAt", dagcbor.KindString},
	)
	if err != nil {
		return nil, err
	}
	if _, err := syntax.ParseATURI(like.Subject.Uri); err != nil {
		return nil, fmt.Errorf("%s: subject: %w", FeedLike, err)
	}
	if like.CreatedAt, err = normalizeTime(like.CreatedAt); err != nil {
		return nil, err
	}
	return like, nil
}

func decodeRepost(node dagcbor.Node) (any, error) {
	repost, err := Lexicon[bsky.FeedRepost](FeedRepost, node,
		Field{"subject", dagcbor.KindMap},
		Field{"createdAt", dagcbor.KindString},
	)
	if err != nil {
		return nil, err
	}
	if _, err := syntax.ParseATURI(repost.Subject.Uri); err != nil {
		return nil, fmt.Errorf("%s: subject: %w", FeedRepost, err)
	}
	if repost.CreatedAt, err = normalizeTime(repost.CreatedAt); err != nil {
		return nil, err
	}
	return repost, nil
}

func decodeFollow(node dagcbor.Node) (any, error) {
	follow, err := Lexicon[bsky.GraphFollow](GraphFollow, node,
		Field{"subject", dagcbor.KindString},
		Field{"createdAt", dagcbor.KindString},
	)
	if err != nil {
		return nil, err
	}
	if _, err := syntax.ParseDID(follow.Subject); err != nil {
		return nil, fmt.Errorf("%s: subject: %w", GraphFollow, err)
	}
	if follow.CreatedAt, err = normalizeTime(follow.CreatedAt); err != nil {
		return nil, err
	}
	return follow, nil
}

func decodeBlock(node dagcbor.Node) (any, error) {
	block, err := Lexicon[bsky.GraphBlock](GraphBlock, node,
		Field{"subject", dagcbor.KindString},
		Field{"createdAt", dagcbor.KindString},
	)
	if err != nil {
		return nil, err
	}
	if _, err := syntax.ParseDID(block.Subject); err != nil {
		return nil, fmt.Errorf("%s: subject: %w", GraphBlock, err)
	}
	if block.CreatedAt, err = normalizeTime(block.CreatedAt); err != nil {
		return nil, err
	}
	return block, nil
}

func decodeList(node dagcbor.Node) (any, error) {
	list, err := Lexicon[bsky.GraphList](GraphList, node,
		Field{"name", dagcbor.KindString},
		Field{"purpose", dagcbor.KindString},
		Field{"createdAt", dagcbor.KindString},
	)
	if err != nil {
		return nil, err
	}
	if list.CreatedAt, err = normalizeTime(list.CreatedAt); err != nil {
		return nil, err
	}
	return list, nil
}

func decodeListitem(node dagcbor.Node) (any, error) {
	item, err := Lexicon[bsky.GraphListitem](GraphListitem, node,
		Field{"subject", dagcbor.KindString},
		Field{"list", dagcbor.KindString},
		Field{"createdAt", dagcbor.KindString},
	)
	if err != nil {
		return nil, err
	}
	if _, err := syntax.ParseDID(item.Subject); err != nil {
		return nil, fmt.Errorf("%s: subject: %w", GraphListitem, err)
	}
	if _, err := syntax.ParseATURI(item.List); err != nil {
		return nil, fmt.Errorf("%s: list: %w", GraphListitem, err)
	}
	if item.CreatedAt, err = normalizeTime(item.CreatedAt); err != nil {
		return nil, err
	}
	return item, nil
}

func decodeProfile(node dagcbor.Node) (any, error) {
	profile, err := Lexicon[bsky.ActorProfile](ActorProfile, node)
	if err != nil {
		return nil, err
	}
	if profile.CreatedAt != nil {
		ts, err := normalizeTime(*profile.CreatedAt)
		if err != nil {
			return nil, err
		}
		profile.CreatedAt = &ts
	}
	return profile, nil
}
