/*
Package fetch performs the single outbound GET for a validated target.

Each fetch is one bounded attempt: connect, response headers and body read
are each limited by the configured timeout, redirects are handed back to the
caller instead of being followed, and nothing is retried. Failures are
classified so the request handler can tell "the upstream answered with an
error status" (a normal Outcome) apart from "the fetch itself failed" (an
error wrapping one of the sentinel errors below).
*/
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ushineko/fetchgate/internal/resolve"
	"github.com/ushineko/fetchgate/internal/version"
)

// Failure classes returned (wrapped) by Client.Fetch.
var (
	ErrDisallowedProtocol  = errors.New("protocol not allowed")
	ErrUpstreamTimeout     = errors.New("upstream timed out")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrBodyTooLarge        = errors.New("upstream body too large")
)

// errBodyReadTimeout is the cancel cause used when the body read phase
// overruns the timeout.
var errBodyReadTimeout = errors.New("body read timeout")

const (
	defaultTimeout      = 5 * time.Second
	defaultMaxBodyBytes = 10 << 20
)

// Outcome is the result of a fetch that reached the upstream. Non-2xx
// statuses are outcomes too, not errors.
type Outcome struct {
	StatusCode  int
	Body        string
	ContentType string
	Duration    time.Duration
}

// OK reports whether the upstream answered with a 2xx status.
func (o Outcome) OK() bool {
	return o.StatusCode >= 200 && o.StatusCode < 300
}

// Config holds fetch client configuration.
type Config struct {
	// Timeout bounds connect, response header wait and body read. Zero uses
	// the default (5s).
	Timeout time.Duration
	// MaxBodyBytes caps the body read into memory. Zero uses the default (10 MiB).
	MaxBodyBytes int64
	// UserAgent is sent on every request. Empty uses version.UserAgent.
	UserAgent string
	// Logger is the structured logger to use. If nil, slog.Default is used.
	Logger *slog.Logger
	// Transport overrides the outbound transport. If nil, a transport
	// bounded by Timeout that ignores proxy environment variables is built.
	Transport http.RoundTripper
}

// Client is an outbound HTTP client for validated targets. It is safe for
// concurrent use.
type Client struct {
	httpClient   *http.Client
	timeout      time.Duration
	maxBodyBytes int64
	userAgent    string
	logger       *slog.Logger
}

// New creates a fetch client with the given configuration.
func New(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := cfg.Transport
	if transport == nil {
		transport = newTransport(timeout)
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			// A validated target must not bounce to an unvalidated one.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:      timeout,
		maxBodyBytes: maxBody,
		userAgent:    userAgent,
		logger:       logger,
	}
}

// newTransport builds a transport whose dial, TLS handshake and response
// header phases are each bounded by timeout.
func newTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// Fetch issues one GET to target.URL. ctx cancellation (for example the
// inbound client disconnecting) aborts the outbound request promptly and is
// returned as context.Canceled. No partial body is returned with an error.
func (c *Client) Fetch(ctx context.Context, target resolve.Target) (Outcome, error) {
	scheme := strings.ToLower(target.Scheme)
	if scheme != "http" && scheme != "https" {
		return Outcome{}, fmt.Errorf("%w: %q", ErrDisallowedProtocol, target.Scheme)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, http.NoBody)
	if err != nil {
		return Outcome{}, fmt.Errorf("build request: %w", err)
	}
	if req.URL.Scheme != scheme {
		return Outcome{}, fmt.Errorf("%w: %q", ErrDisallowedProtocol, req.URL.Scheme)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()

	resp, err := c.httpClient.Do(req) //nolint:gosec // target passed the allow-list
	if err != nil {
		return Outcome{}, c.classify(ctx, err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body close in defer

	readTimer := time.AfterFunc(c.timeout, func() { cancel(errBodyReadTimeout) })
	defer readTimer.Stop()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return Outcome{}, c.classify(ctx, err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return Outcome{}, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, c.maxBodyBytes)
	}

	out := Outcome{
		StatusCode:  resp.StatusCode,
		Body:        strings.ToValidUTF8(string(body), "\uFFFD"),
		ContentType: resp.Header.Get("Content-Type"),
		Duration:    time.Since(start),
	}

	c.logger.Debug("fetch complete",
		"url", target.URL,
		"status", out.StatusCode,
		"bytes", len(body),
		"duration_ms", out.Duration.Milliseconds(),
	)

	return out, nil
}

// classify maps a transport or body read error onto the fetch failure
// classes. ctx is the fetch's own cancel-cause context.
func (c *Client) classify(ctx context.Context, err error) error {
	cause := context.Cause(ctx)

	switch {
	case errors.Is(cause, errBodyReadTimeout):
		return fmt.Errorf("%w: reading body: %v", ErrUpstreamTimeout, err)
	case errors.Is(cause, context.Canceled):
		return fmt.Errorf("fetch cancelled: %w", context.Canceled)
	case errors.Is(cause, context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}
