package car

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Kind classifies a decode failure.
type Kind uint8

const (
	KindTruncated Kind = iota + 1
	KindBadHeader
	KindBadFrame
	KindUnsupportedVersion
	KindUnsupportedCodec
	KindUnsupportedHash
	KindCIDMismatch
	KindDanglingReference
	KindMalformedNode
	KindRecordDecode
)

// Sentinels for errors.Is matching against an *Error of the same Kind.
var (
	ErrTruncated          = errors.New("truncated archive")
	ErrBadHeader          = errors.New("bad header")
	ErrBadFrame           = errors.New("bad frame")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrUnsupportedCodec   = errors.New("unsupported codec")
	ErrUnsupportedHash    = errors.New("unsupported hash function")
	ErrCIDMismatch        = errors.New("cid mismatch")
	ErrDanglingReference  = errors.New("dangling reference")
	ErrMalformedNode      = errors.New("malformed node")
	ErrRecordDecode       = errors.New("record decode failure")
)

var kindSentinels = map[Kind]error{
	KindTruncated:          ErrTruncated,
	KindBadHeader:          ErrBadHeader,
	KindBadFrame:           ErrBadFrame,
	KindUnsupportedVersion: ErrUnsupportedVersion,
	KindUnsupportedCodec:   ErrUnsupportedCodec,
	KindUnsupportedHash:    ErrUnsupportedHash,
	KindCIDMismatch:        ErrCIDMismatch,
	KindDanglingReference:  ErrDanglingReference,
	KindMalformedNode:      ErrMalformedNode,
	KindRecordDecode:       ErrRecordDecode,
}

func (k Kind) String() string {
	switch k {
	case KindTruncated:
		return "truncated"
	case KindBadHeader:
		return "bad_header"
	case KindBadFrame:
		return "bad_frame"
	case KindUnsupportedVersion:
		return "unsupported_version"
	case KindUnsupportedCodec:
		return "unsupported_codec"
	case KindUnsupportedHash:
		return "unsupported_hash"
	case KindCIDMismatch:
		return "cid_mismatch"
	case KindDanglingReference:
		return "dangling_reference"
	case KindMalformedNode:
		return "malformed_node"
	case KindRecordDecode:
		return "record_decode"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Fatal reports whether failures of this kind abort a decode pass. Malformed
// nodes and record decode failures are soft unless the caller runs strict.
func (k Kind) Fatal() bool {
	return k != KindMalformedNode && k != KindRecordDecode
}

// Error is a categorized archive decoding failure.
type Error struct {
	Kind Kind
	CID  cid.Cid // block the failure is scoped to, if any
	Path string  // collection/rkey for record-level failures
	Err  error
}

func (e *Error) Error() string {
	msg := "decode error"
	if s, ok := kindSentinels[e.Kind]; ok {
		msg = s.Error()
	}
	if e.Path != "" {
		msg += " (path=" + e.Path + ")"
	}
	if e.CID.Defined() {
		msg += " (cid=" + e.CID.String() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's Kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Errorf builds an *Error of the given kind with a formatted cause.
func Errorf(kind Kind, c cid.Cid, format string, args ...any) *Error {
	return &Error{Kind: kind, CID: c, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return 0
}
