// Command whereabouts checks which sites have an account registered under a handle.
//
// Usage:
//
//	whereabouts --manifest sites.yaml alice bob
//	whereabouts --site GitHub --site Reddit --json alice
//	whereabouts cache stats
//
// Flag defaults can be set through WHEREABOUTS_* environment variables,
// optionally from a .env file in the working directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/codeGROOVE-dev/whereabouts"
	"github.com/codeGROOVE-dev/whereabouts/pkg/cache"
	"github.com/codeGROOVE-dev/whereabouts/pkg/dispatch"
	"github.com/codeGROOVE-dev/whereabouts/pkg/metrics"
	"github.com/codeGROOVE-dev/whereabouts/pkg/risk"
)

const torProxy = "socks5://127.0.0.1:9050"

//nolint:govet // fieldalignment: intentional layout for readability
type flags struct {
	manifest    string
	sites       []string
	nsfw        bool
	timeout     time.Duration
	concurrency int
	perHost     int
	proxy       string
	tor         bool
	noCache     bool
	cachePath   string
	cacheTTL    time.Duration
	redisURL    string
	risk        bool
	riskConfig  string
	json        bool
	printAll    bool
	debug       bool
	logFile     string
	metricsAddr string
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1) //nolint:gocritic // exitAfterDefer is acceptable in main
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "whereabouts [flags] HANDLE...",
		Short:         "Check which sites have an account under a handle",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), cmd.OutOrStdout(), f, args)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.cachePath, "cache-path", env("CACHE_PATH", ""), "result cache file (default: user cache dir)")
	pf.DurationVar(&f.cacheTTL, "cache-ttl", envDuration("CACHE_TTL", cache.DefaultTTL), "result cache time-to-live")
	pf.StringVar(&f.redisURL, "redis-url", env("REDIS_URL", ""), "share the result cache through Redis instead of a local file")
	pf.BoolVar(&f.debug, "debug", false, "enable debug logging")
	pf.StringVar(&f.logFile, "log-file", env("LOG_FILE", ""), "also write logs to a rotating file")

	fl := cmd.Flags()
	fl.StringVarP(&f.manifest, "manifest", "m", env("MANIFEST", "sites.yaml"), "site manifest (YAML or JSON)")
	fl.StringSliceVarP(&f.sites, "site", "s", nil, "limit probing to these sites")
	fl.BoolVar(&f.nsfw, "nsfw", false, "include sites flagged as sensitive")
	fl.DurationVar(&f.timeout, "timeout", dispatch.DefaultTimeout, "per-request timeout")
	fl.IntVar(&f.concurrency, "concurrency", envInt("CONCURRENCY", dispatch.DefaultConcurrency), "simultaneous probes")
	fl.IntVar(&f.perHost, "per-host", dispatch.DefaultPerHost, "simultaneous probes per host")
	fl.StringVar(&f.proxy, "proxy", env("PROXY", ""), "proxy URL (http, https or socks5)")
	fl.BoolVar(&f.tor, "tor", false, "route probes through a local Tor daemon ("+torProxy+")")
	fl.BoolVar(&f.noCache, "no-cache", false, "neither read nor write the result cache")
	fl.BoolVar(&f.risk, "risk", false, "score CLAIMED verdicts for false positives")
	fl.StringVar(&f.riskConfig, "risk-config", env("RISK_CONFIG", ""), "risk configuration file (implies --risk)")
	fl.BoolVar(&f.json, "json", false, "print results as JSON")
	fl.BoolVar(&f.printAll, "print-all", false, "print every verdict, not only CLAIMED")
	fl.StringVar(&f.metricsAddr, "metrics-addr", env("METRICS_ADDR", ""), "serve Prometheus metrics on this address")

	cmd.AddCommand(newCacheCmd(f))
	return cmd
}

func runProbe(ctx context.Context, out io.Writer, f *flags, handles []string) error {
	logger := newLogger(f)

	m, err := whereabouts.LoadManifest(f.manifest)
	if err != nil {
		return err
	}
	for name, err := range m.Skipped {
		logger.Warn("skipping manifest entry", "site", name, "error", err)
	}
	specs := m.Filter(f.sites, f.nsfw)
	if len(specs) == 0 {
		return errors.New("no sites selected")
	}

	proxy := f.proxy
	if f.tor {
		proxy = torProxy
	}
	opts := []whereabouts.Option{
		whereabouts.WithLogger(logger),
		whereabouts.WithOptions(whereabouts.Options{
			Timeout:     f.timeout,
			Concurrency: f.concurrency,
			PerHost:     f.perHost,
			ProxyURL:    proxy,
		}),
	}

	if !f.noCache {
		c, err := openCache(ctx, f, logger)
		if err != nil {
			logger.Warn("result cache unavailable, continuing without it", "error", err)
		} else {
			defer func() {
				if err := c.Close(); err != nil {
					logger.Warn("failed to close cache", "error", err)
				}
			}()
			opts = append(opts, whereabouts.WithCache(c))
		}
	}

	if f.risk || f.riskConfig != "" {
		a, err := newAnalyzer(f, logger)
		if err != nil {
			return err
		}
		opts = append(opts, whereabouts.WithRisk(a))
	}

	if f.metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, f.metricsAddr, logger); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	p := &printer{w: out, printAll: f.printAll}
	for _, handle := range handles {
		report, err := whereabouts.Run(ctx, handle, specs, opts...)
		if report != nil {
			if f.json {
				if err := p.json(report); err != nil {
					return err
				}
			} else {
				p.text(report)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func newAnalyzer(f *flags, logger *slog.Logger) (*risk.Analyzer, error) {
	cfg := risk.DefaultConfig()
	if f.riskConfig != "" {
		var err error
		if cfg, err = risk.LoadConfig(f.riskConfig); err != nil {
			return nil, err
		}
	}
	return risk.New(risk.WithLogger(logger), risk.WithConfig(cfg)), nil
}

func openCache(ctx context.Context, f *flags, logger *slog.Logger) (*cache.Cache, error) {
	opts := []cache.Option{cache.WithLogger(logger), cache.WithTTL(f.cacheTTL)}
	if f.redisURL != "" {
		r, err := cache.DialRedis(ctx, f.redisURL)
		if err != nil {
			return nil, err
		}
		logger.Debug("result cache initialized", "backend", "redis", "ttl", f.cacheTTL.String())
		return cache.New(r, opts...), nil
	}
	c, err := cache.Open(ctx, f.cachePath, opts...)
	if err != nil {
		return nil, err
	}
	logger.Debug("result cache initialized", "backend", "sqlite", "ttl", f.cacheTTL.String())
	return c, nil
}

func newLogger(f *flags) *slog.Logger {
	level := slog.LevelInfo
	if f.debug {
		level = slog.LevelDebug
	}
	var w io.Writer = os.Stderr
	if f.logFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   f.logFile,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		})
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func env(key, fallback string) string {
	if v, ok := os.LookupEnv("WHEREABOUTS_" + key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(env(key, ""))
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(env(key, ""))
	if err != nil {
		return fallback
	}
	return d
}
