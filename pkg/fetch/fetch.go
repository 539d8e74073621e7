// Package fetch issues probe requests with retry, per-host pacing and request collapsing.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/codeGROOVE-dev/sfcache"
	"github.com/codeGROOVE-dev/sfcache/pkg/store/null"
)

// UserAgent is the default browser User-Agent string sent with every probe.
const UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:146.0) Gecko/20100101 Firefox/146.0"

// DefaultMaxBody caps how much of a response body is read.
const DefaultMaxBody = 2 << 20

// collapseTTL bounds how long a completed outcome is shared with identical requests.
const collapseTTL = 2 * time.Minute

// ErrDecode marks failures that happened while reading the response body.
var ErrDecode = errors.New("decode response body")

// Request describes one probe request.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Request struct {
	Method          string
	URL             string
	Header          map[string]string
	Payload         any // JSON-encoded when non-nil
	FollowRedirects bool
}

// Response is a completed HTTP exchange.
type Response struct {
	Header     http.Header
	FinalURL   string
	Body       []byte
	StatusCode int
}

// Outcome is either a completed exchange or a transport failure, plus the measured span.
type Outcome struct {
	Response *Response // nil when Err is set
	Err      error
	Elapsed  time.Duration
}

// Config configures a Client.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Config struct {
	Transport    http.RoundTripper // base transport; nil builds one from ProxyURL and PerHost
	ProxyURL     string
	PerHost      int // maximum simultaneous connections per host; 0 for unlimited
	Retries      int // extra attempts after a connection failure
	HostInterval time.Duration
	MaxBody      int64
	UserAgent    string
	Logger       *slog.Logger
}

// Client issues probe requests. A Client is meant to live for one run.
type Client struct {
	follow    *http.Client
	direct    *http.Client
	owned     *http.Transport
	limiter   *hostLimiter
	collapse  *sfcache.TieredCache[string, *Outcome]
	logger    *slog.Logger
	userAgent string
	maxBody   int64
	retries   int
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = UserAgent
	}

	c := &Client{
		limiter:   newHostLimiter(cfg.HostInterval, cfg.Logger),
		logger:    cfg.Logger,
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBody,
		retries:   max(cfg.Retries, 0),
	}

	rt := cfg.Transport
	if rt == nil {
		t := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 4,
			MaxConnsPerHost:     max(cfg.PerHost, 0),
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
		if cfg.ProxyURL != "" {
			u, err := url.Parse(cfg.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("parse proxy URL: %w", err)
			}
			t.Proxy = http.ProxyURL(u)
		}
		c.owned = t
		rt = t
	}

	c.follow = &http.Client{Transport: rt}
	c.direct = &http.Client{
		Transport: rt,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	tc, err := sfcache.NewTiered[string, *Outcome](null.New[string, *Outcome](), sfcache.TTL(collapseTTL))
	if err != nil {
		return nil, fmt.Errorf("create request collapser: %w", err)
	}
	c.collapse = tc
	return c, nil
}

// Close releases idle connections and the collapse table.
func (c *Client) Close() error {
	if c.owned != nil {
		c.owned.CloseIdleConnections()
	}
	return c.collapse.Close()
}

// Do performs the request. Identical concurrent requests share one network exchange.
// Do never returns a nil Outcome; failures are reported in Outcome.Err.
func (c *Client) Do(ctx context.Context, req Request) *Outcome {
	key, err := requestKey(req)
	if err != nil {
		return &Outcome{Err: err}
	}

	var fetched bool
	out, err := c.collapse.GetSet(ctx, key, func(ctx context.Context) (*Outcome, error) {
		fetched = true
		return c.do(ctx, req), nil
	}, collapseTTL)
	if err != nil {
		return &Outcome{Err: err}
	}
	if !fetched {
		c.logger.DebugContext(ctx, "shared in-flight probe", "url", req.URL)
	}
	return out
}

func (c *Client) do(ctx context.Context, req Request) *Outcome {
	var body []byte
	if req.Payload != nil {
		b, err := json.Marshal(req.Payload)
		if err != nil {
			return &Outcome{Err: fmt.Errorf("encode payload: %w", err)}
		}
		body = b
	}

	client := c.direct
	if req.FollowRedirects {
		client = c.follow
	}

	// elapsed spans every attempt's exchange, excluding pacing and retry delays.
	var elapsed time.Duration
	resp, err := retry.DoWithData(
		func() (*Response, error) {
			if err := c.limiter.Wait(ctx, req.URL); err != nil {
				return nil, err
			}
			httpReq, err := c.newRequest(ctx, req, body)
			if err != nil {
				return nil, err
			}
			start := time.Now()
			r, err := c.roundTrip(client, httpReq)
			elapsed += time.Since(start)
			return r, err
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.retries+1)), //nolint:gosec // retries is clamped to >= 0
		retry.Delay(200*time.Millisecond),
		retry.MaxJitter(100*time.Millisecond),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.DebugContext(ctx, "retrying probe", "attempt", n+1, "url", req.URL, "error", err)
		}),
	)
	if err != nil {
		return &Outcome{Err: err, Elapsed: elapsed}
	}
	return &Outcome{Response: resp, Elapsed: elapsed}
}

func (c *Client) newRequest(ctx context.Context, req Request, body []byte) (*http.Request, error) {
	var rdr io.Reader = http.NoBody
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (c *Client) roundTrip(client *http.Client, req *http.Request) (*Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // body fully consumed or abandoned

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	final := req.URL.String()
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		FinalURL:   final,
	}, nil
}

// isRetryable returns true only for connection-level failures where no response was seen.
// Timeouts, cancellations and decode failures are final.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrDecode) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, io.EOF)
}

// requestKey identifies requests that may share a single exchange.
func requestKey(req Request) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "%s %s %t\n", req.Method, req.URL, req.FollowRedirects)
	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s: %s\n", k, req.Header[k])
	}
	if req.Payload != nil {
		b, err := json.Marshal(req.Payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
