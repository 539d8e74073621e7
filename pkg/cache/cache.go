// Package cache stores prior verdicts so repeated runs skip re-probing.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
)

// DefaultTTL is how long a new entry stays valid unless SetTTL changes it.
const DefaultTTL = 24 * time.Hour

// Input limits, in bytes.
const (
	MaxHandleLen = 256
	MaxSiteLen   = 128
	MaxURLLen    = 2048
)

// ErrInvalid is returned for keys or values rejected before any storage I/O.
var ErrInvalid = errors.New("invalid cache input")

// Entry is one cached verdict keyed by (handle, site).
//
//nolint:govet // fieldalignment: intentional layout for readability
type Entry struct {
	Handle  string         `json:"handle"`
	Site    string         `json:"site"`
	Verdict result.Verdict `json:"verdict"`
	URL     string         `json:"url"`
	Created time.Time      `json:"created"`
	TTL     time.Duration  `json:"ttl"` // recorded at write time; authoritative for this entry
}

// Expired reports whether the entry's own TTL has elapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.Created) > e.TTL
}

// Backend persists entries. Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, handle, site string) (Entry, bool, error)
	// Put inserts or replaces all entries atomically.
	Put(ctx context.Context, entries ...Entry) error
	// Delete removes entries matching handle and site; an empty value matches everything.
	Delete(ctx context.Context, handle, site string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Each(ctx context.Context, fn func(Entry) error) error
	Close() error
}

// Stats summarizes the cache contents and lookup counters.
type Stats struct {
	ByVerdict map[result.Verdict]int64
	Entries   int64
	Expired   int64
	Hits      int64
	Misses    int64
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Cache validates inputs and applies TTL rules on top of a Backend.
type Cache struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
	ttl     atomic.Int64
	hits    atomic.Int64
	misses  atomic.Int64
}

// Option configures a Cache.
type Option func(*config)

type config struct {
	logger *slog.Logger
	now    func() time.Time
	ttl    time.Duration
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithTTL sets the default TTL for new entries.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New wraps a backend.
func New(b Backend, opts ...Option) *Cache {
	cfg := &config{logger: slog.Default(), now: time.Now, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(cfg)
	}
	c := &Cache{backend: b, logger: cfg.logger, now: cfg.now}
	c.ttl.Store(int64(cfg.ttl))
	return c
}

// DefaultPath returns the cache file location under the user cache directory.
func DefaultPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("get user cache dir: %w", err)
	}
	return filepath.Join(dir, "whereabouts", "results.db"), nil
}

// Open opens the SQLite cache at path, or at DefaultPath when path is empty.
func Open(ctx context.Context, path string, opts ...Option) (*Cache, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	b, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(b, opts...), nil
}

// SetTTL changes the TTL applied to future writes. Existing entries keep the TTL they were written with.
func (c *Cache) SetTTL(ttl time.Duration) { c.ttl.Store(int64(ttl)) }

// TTL returns the TTL applied to new writes.
func (c *Cache) TTL() time.Duration { return time.Duration(c.ttl.Load()) }

// Get returns the entry for (handle, site). Expired entries are reported as misses.
func (c *Cache) Get(ctx context.Context, handle, site string) (Entry, bool, error) {
	if err := validateKey(handle, site); err != nil {
		return Entry{}, false, err
	}
	e, found, err := c.backend.Get(ctx, handle, site)
	if err != nil {
		c.misses.Add(1)
		return Entry{}, false, fmt.Errorf("cache get: %w", err)
	}
	if !found || e.Expired(c.now()) {
		c.misses.Add(1)
		return Entry{}, false, nil
	}
	c.hits.Add(1)
	return e, true, nil
}

// Set stores a verdict with the current default TTL, replacing any prior entry.
func (c *Cache) Set(ctx context.Context, handle, site string, v result.Verdict, url string) error {
	return c.SetBatch(ctx, []Entry{{Handle: handle, Site: site, Verdict: v, URL: url}})
}

// SetBatch validates every entry, then writes them in one transaction.
// Entries without a creation time or TTL get the current time and default TTL.
func (c *Cache) SetBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := c.now()
	ttl := c.TTL()
	batch := make([]Entry, len(entries))
	for i, e := range entries {
		if err := validateEntry(e); err != nil {
			return err
		}
		if e.Created.IsZero() {
			e.Created = now
		}
		if e.TTL <= 0 {
			e.TTL = ttl
		}
		batch[i] = e
	}
	if err := c.backend.Put(ctx, batch...); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	c.logger.DebugContext(ctx, "cache store", "entries", len(batch), "ttl", ttl)
	return nil
}

// Clear removes entries for handle and site. Empty arguments act as wildcards.
func (c *Cache) Clear(ctx context.Context, handle, site string) (int64, error) {
	if handle != "" {
		if err := validateField("handle", handle, MaxHandleLen); err != nil {
			return 0, err
		}
	}
	if site != "" {
		if err := validateField("site", site, MaxSiteLen); err != nil {
			return 0, err
		}
	}
	n, err := c.backend.Delete(ctx, handle, site)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return n, nil
}

// CleanupExpired deletes entries whose own TTL has elapsed.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := c.backend.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("cache cleanup: %w", err)
	}
	if n > 0 {
		c.logger.InfoContext(ctx, "removed expired cache entries", "count", n)
	}
	return n, nil
}

// Stats counts stored entries and reports lookup counters since the Cache was created.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		ByVerdict: make(map[result.Verdict]int64),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
	}
	now := c.now()
	err := c.backend.Each(ctx, func(e Entry) error {
		s.Entries++
		if e.Expired(now) {
			s.Expired++
			return nil
		}
		s.ByVerdict[e.Verdict]++
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return s, nil
}

// Close closes the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

func validateKey(handle, site string) error {
	if err := validateField("handle", handle, MaxHandleLen); err != nil {
		return err
	}
	return validateField("site", site, MaxSiteLen)
}

func validateEntry(e Entry) error {
	if err := validateKey(e.Handle, e.Site); err != nil {
		return err
	}
	if !e.Verdict.Eligible() {
		return fmt.Errorf("%w: verdict %q is not cacheable", ErrInvalid, e.Verdict)
	}
	if e.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", ErrInvalid)
	}
	if len(e.URL) > MaxURLLen {
		return fmt.Errorf("%w: url longer than %d bytes", ErrInvalid, MaxURLLen)
	}
	if !utf8.ValidString(e.URL) || hasControl(e.URL) {
		return fmt.Errorf("%w: url contains invalid characters", ErrInvalid)
	}
	return nil
}

func validateField(name, v string, limit int) error {
	switch {
	case v == "":
		return fmt.Errorf("%w: empty %s", ErrInvalid, name)
	case len(v) > limit:
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalid, name, limit)
	case !utf8.ValidString(v):
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalid, name)
	case hasControl(v):
		return fmt.Errorf("%w: %s contains control characters", ErrInvalid, name)
	}
	return nil
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
