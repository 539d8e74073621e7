// Package dispatch probes one handle across many sites with bounded concurrency.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/codeGROOVE-dev/whereabouts/pkg/cache"
	"github.com/codeGROOVE-dev/whereabouts/pkg/classify"
	"github.com/codeGROOVE-dev/whereabouts/pkg/fetch"
	"github.com/codeGROOVE-dev/whereabouts/pkg/metrics"
	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
	"github.com/codeGROOVE-dev/whereabouts/pkg/risk"
	"github.com/codeGROOVE-dev/whereabouts/pkg/site"
)

// Defaults applied by Options for zero values.
const (
	DefaultTimeout     = 60 * time.Second
	DefaultConcurrency = 20
	DefaultPerHost     = 4
)

// Options are per-run settings.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Options struct {
	Timeout      time.Duration // per request, uniform across sites
	Concurrency  int           // simultaneous in-flight probes
	PerHost      int           // simultaneous in-flight probes per destination host
	ProxyURL     string
	CacheEnabled bool
	RiskEnabled  bool
	Retries      int           // extra attempts after a connection failure
	HostInterval time.Duration // minimum spacing between requests to one host
	UserAgent    string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PerHost <= 0 {
		o.PerHost = DefaultPerHost
	}
	o.Retries = max(o.Retries, 0)
	return o
}

// Report is the outcome of one run.
type Report struct {
	Results map[string]*result.Result
	Started time.Time
	ID      string
	Handle  string
	Elapsed time.Duration
}

// Counts tallies results by verdict.
func (r *Report) Counts() map[result.Verdict]int {
	counts := make(map[result.Verdict]int, len(result.Verdicts))
	for _, res := range r.Results {
		counts[res.Verdict]++
	}
	return counts
}

// Sorted returns the results ordered by site name, case-insensitively.
func (r *Report) Sorted() []*result.Result {
	out := make([]*result.Result, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, res)
	}
	slices.SortFunc(out, func(a, b *result.Result) int {
		if c := strings.Compare(strings.ToLower(a.Site), strings.ToLower(b.Site)); c != 0 {
			return c
		}
		return strings.Compare(a.Site, b.Site)
	})
	return out
}

// Dispatcher runs probes. It holds long-lived collaborators; per-run state lives in Run.
type Dispatcher struct {
	logger    *slog.Logger
	cache     *cache.Cache
	analyzer  *risk.Analyzer
	transport http.RoundTripper
}

// Option configures a Dispatcher.
type Option func(*config)

type config struct {
	logger    *slog.Logger
	cache     *cache.Cache
	analyzer  *risk.Analyzer
	transport http.RoundTripper
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithCache sets the result cache consulted when Options.CacheEnabled is set.
func WithCache(c *cache.Cache) Option {
	return func(cfg *config) { cfg.cache = c }
}

// WithAnalyzer sets the risk analyzer used when Options.RiskEnabled is set.
func WithAnalyzer(a *risk.Analyzer) Option {
	return func(c *config) { c.analyzer = a }
}

// WithTransport replaces the HTTP transport. Proxy settings in Options are ignored when set.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *config) { c.transport = rt }
}

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	cfg := &config{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Dispatcher{
		logger:    cfg.logger,
		cache:     cfg.cache,
		analyzer:  cfg.analyzer,
		transport: cfg.transport,
	}
}

// run is the state shared by the site tasks of one Run.
type run struct {
	client  *fetch.Client
	global  *semaphore.Weighted
	logger  *slog.Logger
	handle  string
	opts    Options
	hostsMu sync.Mutex
	hosts   map[string]*semaphore.Weighted
}

func (r *run) hostGate(host string) *semaphore.Weighted {
	r.hostsMu.Lock()
	defer r.hostsMu.Unlock()
	g, ok := r.hosts[host]
	if !ok {
		g = semaphore.NewWeighted(int64(r.opts.PerHost))
		r.hosts[host] = g
	}
	return g
}

// Run probes handle on every site in specs and returns one result per site.
// Site failures are recorded on their results and never fail the run. If ctx is
// canceled, Run returns the results completed so far together with ctx.Err().
func (d *Dispatcher) Run(ctx context.Context, handle string, specs map[string]*site.Spec, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	rep := &Report{
		ID:      uuid.NewString(),
		Handle:  handle,
		Results: make(map[string]*result.Result, len(specs)),
		Started: time.Now(),
	}
	logger := d.logger.With("run", rep.ID, "handle", handle)

	client, err := fetch.New(fetch.Config{
		Transport:    d.transport,
		ProxyURL:     opts.ProxyURL,
		PerHost:      opts.PerHost,
		Retries:      opts.Retries,
		HostInterval: opts.HostInterval,
		UserAgent:    opts.UserAgent,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}
	defer client.Close() //nolint:errcheck // idle connections only

	rs := &run{
		client: client,
		global: semaphore.NewWeighted(int64(opts.Concurrency)),
		logger: logger,
		handle: handle,
		opts:   opts,
		hosts:  make(map[string]*semaphore.Weighted),
	}

	logger.InfoContext(ctx, "starting run", "sites", len(specs), "concurrency", opts.Concurrency, "timeout", opts.Timeout)

	var mu sync.Mutex
	var g errgroup.Group
	for name, spec := range specs {
		g.Go(func() error {
			r := d.probe(ctx, rs, name, spec)
			if r == nil {
				return nil
			}
			metrics.Observe(r)
			mu.Lock()
			rep.Results[name] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // site tasks never return errors

	rep.Elapsed = time.Since(rep.Started)
	logger.InfoContext(ctx, "run finished", "results", len(rep.Results), "elapsed", rep.Elapsed)
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

// probe walks one site through legality, cache, network, classification, risk and cache write.
// It returns nil when the run was canceled before the site finished.
func (d *Dispatcher) probe(ctx context.Context, rs *run, name string, spec *site.Spec) (res *result.Result) {
	profileURL := spec.ProfileURL(rs.handle)
	logger := rs.logger.With("site", name)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("probe panicked", "panic", p, "stack", string(debug.Stack()))
			res = &result.Result{
				Site:    name,
				Handle:  rs.handle,
				URL:     profileURL,
				Verdict: result.Error,
				Kind:    result.KindUnknown,
				Context: fmt.Sprintf("panic: %v", p),
				Err:     fmt.Errorf("%w: panic: %v", result.ErrTransport, p),
			}
		}
	}()

	if !spec.Legal(rs.handle) {
		logger.Debug("handle rejected by site pattern")
		return &result.Result{
			Site:    name,
			Handle:  rs.handle,
			URL:     profileURL,
			Verdict: result.Illegal,
			Context: "handle does not match " + spec.Legality.String(),
			Err:     result.ErrIllegalHandle,
		}
	}

	if hit := d.lookup(ctx, rs, name, profileURL); hit != nil {
		return hit
	}

	out := d.exchange(ctx, rs, spec)
	if out == nil {
		return nil
	}

	res = classify.Classify(spec, out)
	res.Site = name
	res.Handle = rs.handle
	res.URL = profileURL
	logger.Debug("classified", "verdict", res.Verdict, "status", res.HTTPStatus, "elapsed", res.Elapsed, "context", res.Context)

	d.score(rs, spec, res)
	res.Body = nil

	if rs.opts.CacheEnabled && d.cache != nil && res.Verdict.Eligible() {
		if err := d.cache.Set(ctx, rs.handle, name, res.Verdict, res.URL); err != nil {
			logger.Warn("cache write failed", "error", err)
		}
	}
	return res
}

// exchange sends the probe request while holding the host and global gates.
// It returns nil when ctx ended before the exchange could complete.
func (d *Dispatcher) exchange(ctx context.Context, rs *run, spec *site.Spec) *fetch.Outcome {
	probeURL := spec.ProbeURL(rs.handle)
	gate := rs.hostGate(hostOf(probeURL))
	if err := gate.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer gate.Release(1)
	if err := rs.global.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer rs.global.Release(1)
	metrics.InflightProbes.Inc()
	defer metrics.InflightProbes.Dec()

	reqCtx, cancel := context.WithTimeout(ctx, rs.opts.Timeout)
	defer cancel()
	out := rs.client.Do(reqCtx, fetch.Request{
		Method:          spec.Method(),
		URL:             probeURL,
		Header:          spec.Headers,
		Payload:         spec.PayloadFor(rs.handle),
		FollowRedirects: spec.FollowRedirects(),
	})
	if out.Err != nil && ctx.Err() != nil && errors.Is(out.Err, ctx.Err()) {
		return nil
	}
	return out
}

func (d *Dispatcher) lookup(ctx context.Context, rs *run, name, profileURL string) *result.Result {
	if !rs.opts.CacheEnabled || d.cache == nil {
		return nil
	}
	e, found, err := d.cache.Get(ctx, rs.handle, name)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		rs.logger.Warn("cache lookup failed", "site", name, "error", err)
		return nil
	case !found:
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	u := e.URL
	if u == "" {
		u = profileURL
	}
	return &result.Result{Site: name, Handle: rs.handle, URL: u, Verdict: e.Verdict, Cached: true}
}

// score attaches a risk assessment to CLAIMED results and demotes those the analyzer contradicts.
func (d *Dispatcher) score(rs *run, spec *site.Spec, res *result.Result) {
	if !rs.opts.RiskEnabled || d.analyzer == nil || res.Verdict != result.Claimed || len(res.Body) == 0 {
		return
	}
	res.Risk = d.analyzer.Evaluate(rs.handle, res.Site, res.Body, spec.Risk)
	if !d.analyzer.Downgrades(res.Site, res.Risk) {
		return
	}
	res.Verdict = result.Unknown
	res.Err = result.ErrRiskDowngrade
	res.Context = fmt.Sprintf("risk %s (score %.2f via %s)", res.Risk.Label, res.Risk.Score, res.Risk.Detector)
	rs.logger.Debug("claimed verdict downgraded", "site", res.Site, "label", res.Risk.Label, "score", res.Risk.Score)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Host)
}
