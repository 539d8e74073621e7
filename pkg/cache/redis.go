package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
)

// DefaultRedisPrefix namespaces cache keys in a shared Redis.
const DefaultRedisPrefix = "whereabouts"

// Redis is a Backend for caches shared between machines.
// Keys expire in Redis once their stored TTL has elapsed since the write.
type Redis struct {
	client *redis.Client
	prefix string
}

type redisValue struct {
	Verdict   string `json:"verdict"`
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"` // unix ms
	TTL       int64  `json:"ttl"`       // ms
}

// NewRedis wraps a connected client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects to the Redis server at rawURL (redis://host:port/db) and pings it.
func DialRedis(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client, ""), nil
}

// Key components are query-escaped, so they never contain ':' or glob metacharacters.
func (r *Redis) key(handle, site string) string {
	return r.prefix + ":" + url.QueryEscape(handle) + ":" + url.QueryEscape(site)
}

func (r *Redis) match(handle, site string) string {
	h, s := "*", "*"
	if handle != "" {
		h = url.QueryEscape(handle)
	}
	if site != "" {
		s = url.QueryEscape(site)
	}
	return r.prefix + ":" + h + ":" + s
}

// Get implements Backend.
func (r *Redis) Get(ctx context.Context, handle, site string) (Entry, bool, error) {
	data, err := r.client.Get(ctx, r.key(handle, site)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e, err := decodeRedis(handle, site, data)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Put implements Backend.
func (r *Redis) Put(ctx context.Context, entries ...Entry) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			data, err := json.Marshal(redisValue{
				Verdict:   string(e.Verdict),
				URL:       e.URL,
				Timestamp: e.Created.UnixMilli(),
				TTL:       e.TTL.Milliseconds(),
			})
			if err != nil {
				return err
			}
			pipe.Set(ctx, r.key(e.Handle, e.Site), data, e.TTL)
		}
		return nil
	})
	return err
}

// Delete implements Backend.
func (r *Redis) Delete(ctx context.Context, handle, site string) (int64, error) {
	if handle != "" && site != "" {
		return r.client.Del(ctx, r.key(handle, site)).Result()
	}
	var total int64
	iter := r.client.Scan(ctx, 0, r.match(handle, site), 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			n, err := r.client.Del(ctx, batch...).Result()
			if err != nil {
				return total, err
			}
			total += n
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return total, err
	}
	if len(batch) > 0 {
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DeleteExpired implements Backend. Redis expires keys itself; this removes
// entries that are expired by the caller's clock but not yet by the server's.
func (r *Redis) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var expired []string
	err := r.each(ctx, func(key string, e Entry) error {
		if e.Expired(now) {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil || len(expired) == 0 {
		return 0, err
	}
	return r.client.Del(ctx, expired...).Result()
}

// Each implements Backend.
func (r *Redis) Each(ctx context.Context, fn func(Entry) error) error {
	return r.each(ctx, func(_ string, e Entry) error { return fn(e) })
}

func (r *Redis) each(ctx context.Context, fn func(string, Entry) error) error {
	iter := r.client.Scan(ctx, 0, r.match("", ""), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		handle, site, ok := r.split(key)
		if !ok {
			continue
		}
		data, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		e, err := decodeRedis(handle, site, data)
		if err != nil {
			return fmt.Errorf("key %s: %w", key, err)
		}
		if err := fn(key, e); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *Redis) split(key string) (handle, site string, ok bool) {
	rest, found := strings.CutPrefix(key, r.prefix+":")
	if !found {
		return "", "", false
	}
	h, s, found := strings.Cut(rest, ":")
	if !found {
		return "", "", false
	}
	var err error
	if handle, err = url.QueryUnescape(h); err != nil {
		return "", "", false
	}
	if site, err = url.QueryUnescape(s); err != nil {
		return "", "", false
	}
	return handle, site, true
}

// Close implements Backend.
func (r *Redis) Close() error {
	return r.client.Close()
}

func decodeRedis(handle, site string, data []byte) (Entry, error) {
	var v redisValue
	if err := json.Unmarshal(data, &v); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	verdict, err := result.ParseVerdict(v.Verdict)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Handle:  handle,
		Site:    site,
		Verdict: verdict,
		URL:     v.URL,
		Created: time.UnixMilli(v.Timestamp),
		TTL:     time.Duration(v.TTL) * time.Millisecond,
	}, nil
}
