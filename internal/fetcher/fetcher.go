package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/anthonyhales/mealie-recipe-crawler/pkg/types"
)

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int64
}

// Client retrieves single pages for the crawl engine. Per-URL failures
// are reported inside the FetchOutcome; a Go error is returned only for
// programming mistakes such as a nil URL.
type Client struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
	maxBodyBytes int64
}

var errTooManyRedirects = errors.New("stopped after too many redirects")

// New constructs a fetch client using the provided options.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 6 * 1024 * 1024
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	maxRedirects := opts.MaxRedirects
	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errTooManyRedirects
			}
			return nil
		},
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &Client{
		client:       client,
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

// Fetch downloads a single URL. The returned outcome always carries the
// requested URL; inspect ErrorKind before using the body.
func (c *Client) Fetch(ctx context.Context, target *url.URL) (*types.FetchOutcome, error) {
	if target == nil {
		return nil, errors.New("fetch target is nil")
	}

	outcome := &types.FetchOutcome{URL: target, FinalURL: target}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range c.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	outcome.Latency = time.Since(start)
	outcome.FetchedAt = time.Now()
	if err != nil {
		outcome.ErrorKind, outcome.ErrorText = classifyTransportError(err)
		return outcome, nil
	}

	if resp.Request != nil && resp.Request.URL != nil {
		outcome.FinalURL = resp.Request.URL
	}
	outcome.StatusCode = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drainAndClose(resp.Body)
		outcome.ErrorKind = types.HTTPError
		outcome.ErrorText = fmt.Sprintf("http status %d", resp.StatusCode)
		return outcome, nil
	}

	body, err := c.readBody(resp)
	if err != nil {
		outcome.ErrorKind = types.ConnectionError
		outcome.ErrorText = err.Error()
		return outcome, nil
	}

	outcome.Body = body
	return outcome, nil
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, c.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", c.maxBodyBytes)
	}
	return body, nil
}

// HTTPClient exposes the underlying client for reuse (eg. robots.txt).
func (c *Client) HTTPClient() *http.Client {
	if c == nil {
		return nil
	}
	return c.client
}

func classifyTransportError(err error) (types.FetchErrorKind, string) {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if errors.Is(urlErr.Err, errTooManyRedirects) {
			return types.TooManyRedirects, errTooManyRedirects.Error()
		}
		if urlErr.Timeout() {
			return types.FetchTimeout, urlErr.Error()
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return types.FetchTimeout, err.Error()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.FetchTimeout, err.Error()
	}
	return types.ConnectionError, err.Error()
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 32*1024))
	_ = body.Close()
}
