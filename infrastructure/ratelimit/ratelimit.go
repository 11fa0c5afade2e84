// Package ratelimit throttles outbound provider calls (a token-bucket
// limiter per provider, built on golang.org/x/time/rate) and enforces the
// operator-configured daily request/job caps through a Redis-backed counter
// shared across every process in a deployment.
package ratelimit

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

// Config configures a per-provider token bucket.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig is a conservative outbound default: most provider APIs this
// pipeline calls enforce much tighter per-minute quotas than an inbound
// gateway would.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 10, Burst: 20}
}

// RateLimiter wraps a single x/time/rate.Limiter; callers only ever check
// one window.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	cfg     Config
}

// New builds a RateLimiter, substituting defaults for zero config values.
func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst), cfg: cfg}
}

// Wait blocks until the bucket admits one more request or ctx is done,
// exactly as httpclient.Client needs before dispatching a provider call.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.RLock()
	l := r.limiter
	r.mu.RUnlock()
	return l.Wait(ctx)
}

// Allow reports whether a request would be admitted right now, without
// blocking - used by callers that want to skip rather than wait.
func (r *RateLimiter) Allow() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter.Allow()
}

var (
	providersMu sync.Mutex
	providers   = map[string]*RateLimiter{}
)

// ForProvider returns the process-wide RateLimiter for a provider name,
// creating it on first use from <PROVIDER>_RATE_LIMIT_RPS (falling back to
// DefaultConfig). One limiter per provider, shared across every source
// connection for that provider, since provider-side quotas are per-API-key
// or per-app, not per-connection.
func ForProvider(provider string) *RateLimiter {
	providersMu.Lock()
	defer providersMu.Unlock()
	if l, ok := providers[provider]; ok {
		return l
	}
	cfg := DefaultConfig()
	envKey := strings.ToUpper(provider) + "_RATE_LIMIT_RPS"
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			cfg.RequestsPerSecond = v
		}
	}
	l := New(cfg)
	providers[provider] = l
	return l
}

// minDailyCap: an operator-supplied cap below this is silently raised
// rather than allowed to wedge every sync to zero throughput.
const minDailyCap = 10

// DailyCapLimiter enforces a daily ceiling on some countable resource
// (requests, LLM tokens, archive jobs) backed by a Redis counter so the cap
// holds across every process sharing one deployment, not per-process. A nil
// *DailyCapLimiter (no REDIS_URL configured) always allows; the caps are
// operational overrides, not a correctness requirement.
type DailyCapLimiter struct {
	client *goredis.Client
	prefix string
	cap    int64
}

// NewDailyCapLimiter builds a DailyCapLimiter against an already-connected
// Redis client. cap is clamped to minDailyCap.
func NewDailyCapLimiter(client *goredis.Client, prefix string, cap int64) *DailyCapLimiter {
	if cap < minDailyCap {
		cap = minDailyCap
	}
	return &DailyCapLimiter{client: client, prefix: prefix, cap: cap}
}

// NewDailyCapLimiterFromEnv connects to REDIS_URL (if set) and reads the cap
// from envKey (falling back to defaultCap). Returns (nil, nil) when
// REDIS_URL is unset - daily caps are optional.
func NewDailyCapLimiterFromEnv(prefix, envKey string, defaultCap int64) (*DailyCapLimiter, error) {
	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if redisURL == "" {
		return nil, nil
	}
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse REDIS_URL: %w", err)
	}
	cap := defaultCap
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			cap = v
		}
	}
	return NewDailyCapLimiter(goredis.NewClient(opts), prefix, cap), nil
}

// Allow increments today's UTC counter for key and reports whether the
// caller is still under the daily cap. The counter's TTL (25h) outlives the
// UTC day it counts so a process restarted near midnight never resets early.
// On a Redis error it fails open - a cap-enforcement outage must never be
// the reason a sync pipeline stops ingesting data.
func (d *DailyCapLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if d == nil || d.client == nil {
		return true, nil
	}
	dayKey := fmt.Sprintf("%s:%s:%s", d.prefix, key, time.Now().UTC().Format("2006-01-02"))
	n, err := d.client.Incr(ctx, dayKey).Result()
	if err != nil {
		return true, err
	}
	if n == 1 {
		d.client.Expire(ctx, dayKey, 25*time.Hour)
	}
	return n <= d.cap, nil
}

// Close releases the underlying Redis connection pool.
func (d *DailyCapLimiter) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}
