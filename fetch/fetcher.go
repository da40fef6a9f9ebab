// Package fetch downloads schema documents and version lists from remote
// schema registries, with retry, per-host circuit breaking and DNS caching.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/dnscache"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrRateLimited  = errors.New("rate limited by upstream")
	ErrUpstreamDown = errors.New("upstream registry unavailable")
	ErrTooLarge     = errors.New("response exceeds size limit")
)

// DefaultMaxBytes bounds a single schema download.
const DefaultMaxBytes = 64 << 20

// Resource is an open response body from the upstream registry.
type Resource struct {
	Body        io.ReadCloser
	Size        int64 // -1 if unknown
	ContentType string
	ETag        string
}

// Getter is implemented by Fetcher and CircuitBreakerFetcher.
type Getter interface {
	Get(ctx context.Context, url string) (*Resource, error)
	GetBytes(ctx context.Context, url string) ([]byte, string, error)
}

// Fetcher performs GET requests against a schema registry.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	accept     string
	maxRetries int
	baseDelay  time.Duration
	maxBytes   int64
	authFn     func(url string) (headerName, headerValue string)

	stopRefresh chan struct{}
	closeOnce   sync.Once
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client. The DNS cache is not used with a
// custom client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithAccept sets the Accept header.
func WithAccept(accept string) Option {
	return func(f *Fetcher) {
		f.accept = accept
	}
}

// WithMaxRetries sets the maximum retry attempts for rate limits and server
// errors. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		f.maxRetries = n
	}
}

// WithBaseDelay sets the base delay for exponential backoff.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		f.baseDelay = d
	}
}

// WithMaxBytes bounds the body size GetBytes will read.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		f.maxBytes = n
	}
}

// WithAuthFunc sets a function that returns auth headers for a given URL.
// Return empty strings to skip authentication for that URL.
func WithAuthFunc(fn func(url string) (headerName, headerValue string)) Option {
	return func(f *Fetcher) {
		f.authFn = fn
	}
}

// NewFetcher creates a new Fetcher with the given options. Close stops its
// DNS refresh loop.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		userAgent:   "schemaloader/1.0",
		accept:      "application/json, application/yaml;q=0.9, */*;q=0.1",
		maxRetries:  3,
		baseDelay:   500 * time.Millisecond,
		maxBytes:    DefaultMaxBytes,
		stopRefresh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = f.cachingClient()
	}
	return f
}

// cachingClient builds an HTTP client whose dialer resolves hosts through a
// DNS cache refreshed every five minutes.
func (f *Fetcher) cachingClient() *http.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-f.stopRefresh:
				return
			case <-ticker.C:
				resolver.Refresh(true)
			}
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Timeout: time.Minute,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
				}
				return nil, fmt.Errorf("failed to dial any resolved IP")
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Close stops background DNS refreshes and closes idle connections.
func (f *Fetcher) Close() {
	f.closeOnce.Do(func() {
		close(f.stopRefresh)
		f.client.CloseIdleConnections()
	})
}

// Get issues a GET request for url, retrying rate limits and server errors.
// The caller must close the returned Resource.Body when done.
func (f *Fetcher) Get(ctx context.Context, url string) (*Resource, error) {
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with 10% jitter
			delay := f.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(float64(delay) * (rand.Float64() * 0.1))
			delay += jitter

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, err := f.doGet(ctx, url)
		if err == nil {
			return res, nil
		}

		lastErr = err

		if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamDown) {
			continue
		}
		return nil, err
	}

	return nil, lastErr
}

// GetBytes reads the whole response body for url, up to the configured size
// limit. It returns the body and its content type.
func (f *Fetcher) GetBytes(ctx context.Context, url string) ([]byte, string, error) {
	res, err := f.Get(ctx, url)
	if err != nil {
		return nil, "", err
	}
	return readLimited(res, f.maxBytes)
}

func readLimited(res *Resource, limit int64) ([]byte, string, error) {
	defer func() { _ = res.Body.Close() }()

	if limit > 0 && res.Size > limit {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrTooLarge, res.Size)
	}

	r := res.Body
	if limit > 0 {
		r = io.NopCloser(io.LimitReader(res.Body, limit+1))
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("reading response: %w", err)
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return body, res.ContentType, nil
}

func (f *Fetcher) doGet(ctx context.Context, url string) (*Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", f.accept)

	if f.authFn != nil {
		if name, value := f.authFn(url); name != "" && value != "" {
			req.Header.Set(name, value)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		size := int64(-1)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				size = n
			}
		}

		return &Resource{
			Body:        resp.Body,
			Size:        size,
			ContentType: resp.Header.Get("Content-Type"),
			ETag:        resp.Header.Get("ETag"),
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, ErrNotFound

	case resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		return nil, ErrRateLimited

	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamDown, resp.StatusCode)

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}
