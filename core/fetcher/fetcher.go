// Package fetcher performs the single bounded GET each request needs.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/net/html/charset"
)

const (
	// DefaultTimeout bounds a whole fetch including redirects
	DefaultTimeout = 5 * time.Second

	// DefaultMaxBodySize caps how much of a page is analyzed
	DefaultMaxBodySize = 8 << 20

	defaultMaxRedirects = 5
	userAgent           = "topk-server/1.0"
)

// ErrFetch wraps every fetch failure: network, timeout, DNS, HTTP status or decoding
var ErrFetch = errors.New("fetch failed")

// Fetcher retrieves the text content of a URL
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// Config tunes the HTTP fetcher
type Config struct {
	Timeout      time.Duration
	MaxBodySize  int
	MaxRedirects int
}

// HTTPFetcher fetches pages with a shared fasthttp client
type HTTPFetcher struct {
	client       *fasthttp.Client
	timeout      time.Duration
	maxRedirects int
}

// New creates an HTTPFetcher. Zero config fields fall back to defaults.
func New(cfg Config) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}

	return &HTTPFetcher{
		client: &fasthttp.Client{
			Name:                userAgent,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: 30 * time.Second,
			MaxResponseBodySize: cfg.MaxBodySize,
			Dial: func(addr string) (net.Conn, error) {
				return fasthttp.DialTimeout(addr, cfg.Timeout)
			},
		},
		timeout:      cfg.Timeout,
		maxRedirects: cfg.MaxRedirects,
	}
}

// Fetch issues a GET for rawURL and returns the body decoded to UTF-8
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	timeout := f.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return "", fmt.Errorf("%w: %s: %w", ErrFetch, rawURL, context.DeadlineExceeded)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rawURL)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetTimeout(timeout)

	start := time.Now()
	if err := f.client.DoRedirects(req, resp, f.maxRedirects); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) || time.Since(start) >= timeout {
			return "", fmt.Errorf("%w: %s: timed out after %s", ErrFetch, rawURL, timeout)
		}
		return "", fmt.Errorf("%w: %s: %w", ErrFetch, rawURL, err)
	}

	if status := resp.StatusCode(); status >= fasthttp.StatusBadRequest {
		return "", fmt.Errorf("%w: %s: HTTP %d %s", ErrFetch, rawURL, status, fasthttp.StatusMessage(status))
	}

	body, err := resp.BodyUncompressed()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrFetch, rawURL, err)
	}

	text, err := decode(body, string(resp.Header.ContentType()))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrFetch, rawURL, err)
	}
	return text, nil
}

// decode converts body to UTF-8 according to the declared or sniffed charset
func decode(body []byte, contentType string) (string, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return "", err
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
