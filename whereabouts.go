// Package whereabouts checks whether a handle is registered on many web services.
//
// Basic usage:
//
//	m, err := whereabouts.LoadManifest("sites.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report, err := whereabouts.Run(ctx, "alice", m.Sites, whereabouts.WithTimeout(15*time.Second))
//	for _, r := range report.Sorted() {
//	    fmt.Println(r.Site, r.Verdict, r.URL)
//	}
//
// Verdicts can be cached between runs and cross-checked by the risk analyzer:
//
//	c, _ := cache.Open(ctx, "")
//	report, err := whereabouts.Run(ctx, "alice", m.Sites,
//	    whereabouts.WithCache(c), whereabouts.WithRisk(risk.New()))
package whereabouts

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/whereabouts/pkg/cache"
	"github.com/codeGROOVE-dev/whereabouts/pkg/dispatch"
	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
	"github.com/codeGROOVE-dev/whereabouts/pkg/risk"
	"github.com/codeGROOVE-dev/whereabouts/pkg/site"
)

type (
	// Spec re-exports site.Spec for convenience.
	Spec = site.Spec
	// Manifest re-exports site.Manifest for convenience.
	Manifest = site.Manifest
	// Result re-exports result.Result for convenience.
	Result = result.Result
	// Verdict re-exports result.Verdict for convenience.
	Verdict = result.Verdict
	// Report re-exports dispatch.Report for convenience.
	Report = dispatch.Report
	// Options re-exports dispatch.Options for convenience.
	Options = dispatch.Options
)

// Re-export verdicts.
const (
	Claimed    = result.Claimed
	Available  = result.Available
	Unknown    = result.Unknown
	Illegal    = result.Illegal
	WAFBlocked = result.WAFBlocked
	Error      = result.Error
)

// Re-export common errors.
var (
	ErrIllegalHandle    = result.ErrIllegalHandle
	ErrTimeout          = result.ErrTimeout
	ErrConnectionFailed = result.ErrConnectionFailed
	ErrProxyFailed      = result.ErrProxyFailed
	ErrDecodeFailed     = result.ErrDecodeFailed
	ErrUnclassifiable   = result.ErrUnclassifiable
	ErrWAFBlocked       = result.ErrWAFBlocked
	ErrInvalidCache     = cache.ErrInvalid
)

// LoadManifest reads a site manifest.
func LoadManifest(path string) (*Manifest, error) {
	return site.LoadManifest(path)
}

// Option configures a Run call.
type Option func(*config)

type config struct {
	logger    *slog.Logger
	cache     *cache.Cache
	analyzer  *risk.Analyzer
	transport http.RoundTripper
	opts      dispatch.Options
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithCache enables the result cache.
func WithCache(rc *cache.Cache) Option {
	return func(c *config) { c.cache = rc }
}

// WithRisk enables risk scoring of CLAIMED verdicts.
func WithRisk(a *risk.Analyzer) Option {
	return func(c *config) { c.analyzer = a }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.opts.Timeout = d }
}

// WithConcurrency sets the number of simultaneous probes.
func WithConcurrency(n int) Option {
	return func(c *config) { c.opts.Concurrency = n }
}

// WithProxy routes probes through an http, https or socks5 proxy.
func WithProxy(proxyURL string) Option {
	return func(c *config) { c.opts.ProxyURL = proxyURL }
}

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *config) { c.transport = rt }
}

// WithOptions replaces the per-run settings. CacheEnabled and RiskEnabled are
// ignored; WithCache and WithRisk decide them.
func WithOptions(o Options) Option {
	return func(c *config) { c.opts = o }
}

// Run probes handle on each site in specs.
func Run(ctx context.Context, handle string, specs map[string]*Spec, opts ...Option) (*Report, error) {
	cfg := &config{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.opts.CacheEnabled = cfg.cache != nil
	cfg.opts.RiskEnabled = cfg.analyzer != nil
	d := dispatch.New(
		dispatch.WithLogger(cfg.logger),
		dispatch.WithCache(cfg.cache),
		dispatch.WithAnalyzer(cfg.analyzer),
		dispatch.WithTransport(cfg.transport),
	)
	return d.Run(ctx, handle, specs, cfg.opts)
}
