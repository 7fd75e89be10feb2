// Package client sends URLs to a topk server from several concurrent
// senders and prints each reply.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRetries  = 3
	DefaultReadSize = 4096
	defaultTimeout  = 30 * time.Second
)

// Config tunes a Client
type Config struct {
	Address  string
	Threads  int
	Retries  int
	Timeout  time.Duration // per attempt: dial, write and read
	ReadSize int
}

// Result is the outcome for one URL
type Result struct {
	URL      string
	Response string
	Attempts int
	Err      error
}

// Client sends URLs to a server, one connection per URL
type Client struct {
	cfg Config
	log *zap.Logger

	dialer net.Dialer
}

// New creates a Client. Zero config fields fall back to defaults.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = DefaultReadSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg, log: log.Named("client")}
}

// LoadURLs reads a newline-delimited URL file
func LoadURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open urls file: %w", err)
	}
	defer f.Close()

	return ReadURLs(f)
}

// ReadURLs returns the trimmed, non-blank lines of r
func ReadURLs(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if u := strings.TrimSpace(scanner.Text()); u != "" {
			urls = append(urls, u)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read urls: %w", err)
	}
	return urls, nil
}

// iterator hands out each URL once to whichever sender asks first
type iterator struct {
	mu   sync.Mutex
	urls []string
	next int
}

func (it *iterator) Next() (string, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.next >= len(it.urls) {
		return "", false
	}
	u := it.urls[it.next]
	it.next++
	return u, true
}

// Run sends every URL using cfg.Threads concurrent senders and writes
// "url: response" to out for each successful exchange. Failed URLs are
// logged and reported in the results; Run only fails if ctx ends.
func (c *Client) Run(ctx context.Context, urls []string, out io.Writer) ([]Result, error) {
	it := &iterator{urls: urls}

	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(urls))
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Threads; i++ {
		g.Go(func() error {
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				u, ok := it.Next()
				if !ok {
					return nil
				}

				res := c.SendWithRetry(ctx, u)

				mu.Lock()
				results = append(results, res)
				if res.Err == nil {
					fmt.Fprintf(out, "%s: %s\n", res.URL, res.Response)
				}
				mu.Unlock()
			}
		})
	}

	err := g.Wait()
	return results, err
}

// SendWithRetry sends u, retrying transport failures up to cfg.Retries attempts
func (c *Client) SendWithRetry(ctx context.Context, u string) Result {
	res := Result{URL: u}
	for res.Attempts < c.cfg.Retries {
		res.Attempts++
		res.Response, res.Err = c.Send(ctx, u)
		if res.Err == nil {
			return res
		}
		c.log.Warn("attempt failed",
			zap.String("url", u),
			zap.Int("attempt", res.Attempts),
			zap.Error(res.Err),
		)
		if ctx.Err() != nil {
			return res
		}
	}
	c.log.Error("giving up on url", zap.String("url", u), zap.Int("attempts", res.Attempts))
	return res
}

// Send performs one exchange: connect, write u, read the reply until the
// server closes or cfg.ReadSize bytes arrive.
func (c *Client) Send(ctx context.Context, u string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return "", fmt.Errorf("error sending URL %s: %w", u, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, u); err != nil {
		return "", fmt.Errorf("error sending URL %s: %w", u, err)
	}

	reply, err := io.ReadAll(io.LimitReader(conn, int64(c.cfg.ReadSize)))
	if err != nil {
		return "", fmt.Errorf("error reading reply for %s: %w", u, err)
	}
	return string(reply), nil
}
