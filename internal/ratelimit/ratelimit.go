package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config sets a provider's bucket size and refill cadence: Refill tokens are
// added per Per elapsed, up to Capacity.
type Config struct {
	Capacity int           `mapstructure:"capacity"`
	Refill   int           `mapstructure:"refill"`
	Per      time.Duration `mapstructure:"per"`
}

// RateLimitedError reports a denied acquire with the wait until enough
// tokens accumulate.
type RateLimitedError struct {
	Provider   string
	AccountID  string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for %s/%s, retry after %s", e.Provider, e.AccountID, e.RetryAfter)
}

type bucket struct {
	tokens       float64
	lastRefillAt time.Time
}

// Limiter holds one token bucket per (provider, account) pair. Refill is
// lazy: computed from elapsed time at each Acquire, no background timers.
type Limiter struct {
	mu      sync.Mutex
	configs map[string]Config
	buckets map[string]*bucket
	logger  zerolog.Logger
	now     func() time.Time
}

// New constructs a Limiter with per-provider configs.
func New(configs map[string]Config, logger zerolog.Logger) *Limiter {
	return &Limiter{
		configs: configs,
		buckets: make(map[string]*bucket),
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		now:     time.Now,
	}
}

// Acquire deducts cost tokens from the (provider, account) bucket, or fails
// with *RateLimitedError without blocking. Providers without a configured
// limit are unconstrained.
func (l *Limiter) Acquire(provider, accountID string, cost int) error {
	if cost <= 0 {
		cost = 1
	}

	cfg, ok := l.configs[provider]
	if !ok || cfg.Capacity <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := provider + ":" + accountID
	b, ok := l.buckets[key]
	now := l.now()
	if !ok {
		b = &bucket{tokens: float64(cfg.Capacity), lastRefillAt: now}
		l.buckets[key] = b
	}

	l.refill(b, cfg, now)

	need := float64(cost)
	if b.tokens >= need {
		b.tokens -= need
		return nil
	}

	wait := timeUntil(need-b.tokens, cfg)
	l.logger.Debug().
		Str("provider", provider).
		Str("account_id", accountID).
		Dur("retry_after", wait).
		Msg("rate budget exhausted")

	return &RateLimitedError{Provider: provider, AccountID: accountID, RetryAfter: wait}
}

// Tokens reports the current balance after lazy refill. Intended for tests
// and diagnostics.
func (l *Limiter) Tokens(provider, accountID string) float64 {
	cfg, ok := l.configs[provider]
	if !ok {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[provider+":"+accountID]
	if !ok {
		return float64(cfg.Capacity)
	}
	l.refill(b, cfg, l.now())
	return b.tokens
}

func (l *Limiter) refill(b *bucket, cfg Config, now time.Time) {
	elapsed := now.Sub(b.lastRefillAt)
	if elapsed <= 0 || cfg.Per <= 0 || cfg.Refill <= 0 {
		return
	}

	b.tokens += elapsed.Seconds() / cfg.Per.Seconds() * float64(cfg.Refill)
	if b.tokens > float64(cfg.Capacity) {
		b.tokens = float64(cfg.Capacity)
	}
	b.lastRefillAt = now
}

func timeUntil(deficit float64, cfg Config) time.Duration {
	if cfg.Refill <= 0 || cfg.Per <= 0 {
		return cfg.Per
	}
	perToken := cfg.Per.Seconds() / float64(cfg.Refill)
	return time.Duration(deficit * perToken * float64(time.Second))
}
