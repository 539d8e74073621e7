package fetch

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// hostLimiter enforces a minimum interval between requests to the same host.
// It is safe for concurrent use from multiple goroutines.
type hostLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	logger   *slog.Logger
	interval time.Duration
}

func newHostLimiter(interval time.Duration, logger *slog.Logger) *hostLimiter {
	return &hostLimiter{interval: interval, logger: logger}
}

// Wait blocks until a request to rawURL's host may proceed or ctx is done.
func (l *hostLimiter) Wait(ctx context.Context, rawURL string) error {
	if l == nil || l.interval <= 0 {
		return nil
	}
	host := extractHost(rawURL)
	if host == "" {
		return nil
	}

	v, _ := l.limiters.LoadOrStore(host, rate.NewLimiter(rate.Every(l.interval), 1))
	lim, ok := v.(*rate.Limiter)
	if !ok {
		return nil
	}

	r := lim.Reserve()
	if d := r.Delay(); d > 0 {
		l.logger.DebugContext(ctx, "rate limit pause", "host", host, "wait", d.Round(time.Millisecond))
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// extractHost returns the host portion of a URL, or empty string on error.
func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
