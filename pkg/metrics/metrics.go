// Package metrics exposes probe counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
)

var (
	Probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whereabouts_probes_total",
			Help: "Completed site probes, labeled by verdict.",
		},
		[]string{"verdict"},
	)
	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "whereabouts_probe_duration_seconds",
			Help:    "Duration of network probes in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whereabouts_cache_lookups_total",
			Help: "Result cache lookups, labeled by hit, miss or error.",
		},
		[]string{"result"},
	)
	InflightProbes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "whereabouts_inflight_probes",
			Help: "Network probes currently holding a concurrency slot.",
		},
	)
)

func init() {
	prometheus.MustRegister(Probes)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(CacheLookups)
	prometheus.MustRegister(InflightProbes)
}

// Observe records a finished site result.
func Observe(r *result.Result) {
	Probes.WithLabelValues(string(r.Verdict)).Inc()
	if r.Elapsed > 0 && !r.Cached {
		ProbeDuration.Observe(r.Elapsed.Seconds())
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is canceled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx) //nolint:errcheck // best effort on exit
	}()

	logger.Info("exposing prometheus metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
