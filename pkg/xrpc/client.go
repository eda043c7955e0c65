// Package xrpc fetches repo archives from PDSs and streams them into a
// repo.Decoder.
package xrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/jazware/repocar/pkg/car"
	"github.com/jazware/repocar/pkg/repo"
	"github.com/jazware/repocar/version"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("xrpc")

// DefaultMaxRepoSize caps the bytes read from one getRepo response.
const DefaultMaxRepoSize = 512 << 20

// Client fetches repos over com.atproto.sync.getRepo.
type Client struct {
	http        *http.Client
	dir         identity.Directory
	limiter     *rate.Limiter
	userAgent   string
	maxRepoSize int64
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithDirectory sets the identity directory used to resolve DIDs to PDSs.
func WithDirectory(dir identity.Directory) Option {
	return func(c *Client) { c.dir = dir }
}

// WithRateLimit limits outgoing getRepo requests. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithMaxRepoSize caps the response body size.
func WithMaxRepoSize(n int64) Option {
	return func(c *Client) { c.maxRepoSize = n }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient builds a Client. By default it resolves identities through a
// cached PLC/DNS directory and sends at most 10 requests per second.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   5 * time.Minute,
		},
		limiter:     rate.NewLimiter(rate.Limit(10), 1),
		userAgent:   version.UserAgent(),
		maxRepoSize: DefaultMaxRepoSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dir == nil {
		base := identity.BaseDirectory{
			PLCURL:                identity.DefaultPLCURL,
			PLCLimiter:            rate.NewLimiter(rate.Limit(10), 1),
			HTTPClient:            *c.http,
			TryAuthoritativeDNS:   true,
			SkipDNSDomainSuffixes: []string{".bsky.social"},
		}
		dir := identity.NewCacheDirectory(&base, 100_000, time.Hour, time.Minute*2, time.Minute*5)
		c.dir = &dir
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "xrpc")
	}
	return c
}

// ResolvePDS returns the PDS endpoint declared in did's identity document.
func (c *Client) ResolvePDS(ctx context.Context, did string) (string, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return "", &RepoError{Category: CategoryResolveError, DID: did, Err: err}
	}
	ident, err := c.dir.LookupDID(ctx, parsed)
	if err != nil {
		return "", &RepoError{Category: CategoryResolveError, DID: did, Err: fmt.Errorf("looking up DID: %w", err)}
	}
	pds := ident.PDSEndpoint()
	if pds == "" {
		return "", &RepoError{Category: CategoryResolveError, DID: did, Err: fmt.Errorf("identity has no PDS endpoint")}
	}
	return pds, nil
}

// GetRepo requests the full repo archive for did from pds. The caller must
// close the returned body. Reads past the size cap fail with a too_large
// RepoError.
func (c *Client) GetRepo(ctx context.Context, pds, did string) (io.ReadCloser, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	u := fmt.Sprintf("%s/xrpc/com.atproto.sync.getRepo?did=%s", strings.TrimSuffix(pds, "/"), url.QueryEscape(did))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", car.ContentType)
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	httpRequestDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classifyNetworkError(err, did, pds)
	}

	httpRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusOK {
		return &cappedBody{
			r:   io.LimitReader(resp.Body, c.maxRepoSize+1),
			c:   resp.Body,
			max: c.maxRepoSize,
			did: did,
			pds: pds,
		}, nil
	}

	defer resp.Body.Close()
	return nil, statusError(resp, did, pds)
}

func statusError(resp *http.Response, did, pds string) *RepoError {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return &RepoError{Code: resp.StatusCode, Category: CategoryNotFound, DID: did}
	case http.StatusGone:
		return &RepoError{Code: resp.StatusCode, Category: CategoryDeactivated, DID: did}
	case http.StatusTooManyRequests:
		return &RepoError{Code: resp.StatusCode, Category: CategoryRateLimited, DID: did, PDS: pds}
	case http.StatusBadRequest:
		// PDSs report permanent repo states as 400 with an XRPC error name.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		bodyStr := string(body)
		switch {
		case strings.Contains(bodyStr, "RepoNotFound"), strings.Contains(bodyStr, "NotFound"):
			return &RepoError{Code: resp.StatusCode, Category: CategoryNotFound, DID: did}
		case strings.Contains(bodyStr, "RepoTakendown"):
			return &RepoError{Code: resp.StatusCode, Category: CategoryTakendown, DID: did}
		case strings.Contains(bodyStr, "RepoDeactivated"):
			return &RepoError{Code: resp.StatusCode, Category: CategoryDeactivated, DID: did}
		default:
			return &RepoError{Code: resp.StatusCode, Category: CategoryHTTPError, DID: did,
				Err: fmt.Errorf("bad request: %s", bodyStr)}
		}
	default:
		if resp.StatusCode >= 500 {
			return &RepoError{Code: resp.StatusCode, Category: CategoryUnavailable, DID: did, PDS: pds,
				Err: fmt.Errorf("server error: %s", resp.Status)}
		}
		return &RepoError{Code: resp.StatusCode, Category: CategoryHTTPError, DID: did,
			Err: fmt.Errorf("unexpected status: %s", resp.Status)}
	}
}

// DecodeRepo fetches did's repo from pds and streams it through dec. The
// archive is never buffered whole.
func (c *Client) DecodeRepo(ctx context.Context, pds, did string, dec *repo.Decoder, fn repo.RecordFunc) (*repo.Result, error) {
	ctx, span := tracer.Start(ctx, "xrpc.DecodeRepo")
	defer span.End()
	span.SetAttributes(
		attribute.String("repo.did", did),
		attribute.String("repo.pds", pds),
	)

	body, err := c.GetRepo(ctx, pds, did)
	if err != nil {
		fetchesTotal.WithLabelValues(category(err)).Inc()
		return nil, err
	}
	defer body.Close()

	res, err := dec.Decode(ctx, body, fn)
	if err != nil {
		var re *RepoError
		if !errors.As(err, &re) && ctx.Err() == nil {
			err = &RepoError{Category: CategoryParseError, DID: did, PDS: pds, Err: err}
		}
		fetchesTotal.WithLabelValues(category(err)).Inc()
		return res, err
	}

	fetchesTotal.WithLabelValues("success").Inc()
	span.SetAttributes(
		attribute.Int("repo.record.count", res.Records),
		attribute.Int("repo.block.count", res.Blocks),
	)
	c.logger.Debug("decoded repo", "did", did, "pds", pds, "records", res.Records, "soft_failures", res.Failures())
	return res, nil
}

// FetchRepo resolves did's PDS and decodes its repo.
func (c *Client) FetchRepo(ctx context.Context, did string, dec *repo.Decoder, fn repo.RecordFunc) (*repo.Result, error) {
	pds, err := c.ResolvePDS(ctx, did)
	if err != nil {
		fetchesTotal.WithLabelValues(CategoryResolveError).Inc()
		return nil, err
	}
	return c.DecodeRepo(ctx, pds, did, dec, fn)
}

func category(err error) string {
	var re *RepoError
	if errors.As(err, &re) {
		return re.Category
	}
	return "unknown"
}

// cappedBody fails reads once more than max bytes have been consumed.
type cappedBody struct {
	r        io.Reader
	c        io.Closer
	max      int64
	n        int64
	did, pds string
}

func (b *cappedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n += int64(n)
	if b.n > b.max {
		return 0, &RepoError{Category: CategoryTooLarge, DID: b.did, PDS: b.pds,
			Err: fmt.Errorf("repo exceeds %d bytes", b.max)}
	}
	return n, err
}

func (b *cappedBody) Close() error {
	return b.c.Close()
}
