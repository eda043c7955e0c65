package xrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Error categories for RepoError.
const (
	CategoryNotFound        = "not_found"
	CategoryDeactivated     = "deactivated"
	CategoryTakendown       = "takendown"
	CategoryRateLimited     = "rate_limited"
	CategoryUnavailable     = "unavailable"
	CategoryHTTPError       = "http_error"
	CategoryTooLarge        = "too_large"
	CategoryParseError      = "parse_error"
	CategoryResolveError    = "resolve_error"
	CategoryDNSError        = "dns_error"
	CategoryTimeout         = "timeout"
	CategoryConnectionError = "connection_error"
)

// RepoError is a categorized failure fetching or decoding one repo.
type RepoError struct {
	Code     int
	Category string
	DID      string
	PDS      string
	Err      error
}

func (e *RepoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (did=%s): %v", e.Category, e.DID, e.Err)
	}
	return fmt.Sprintf("%s (did=%s, code=%d)", e.Category, e.DID, e.Code)
}

func (e *RepoError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying the same repo is pointless.
func (e *RepoError) Permanent() bool {
	switch e.Category {
	case CategoryNotFound, CategoryDeactivated, CategoryTakendown, CategoryTooLarge, CategoryParseError:
		return true
	default:
		return false
	}
}

// classifyNetworkError categorizes an error from http.Client.Do, where no
// response was received.
func classifyNetworkError(err error, did, pds string) *RepoError {
	category := CategoryConnectionError
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		category = CategoryDNSError
	} else if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		category = CategoryTimeout
	}
	return &RepoError{Category: category, DID: did, PDS: pds, Err: err}
}
