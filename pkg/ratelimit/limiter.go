// Package ratelimit throttles speech synthesis calls with token buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration. A zero or negative
// RequestsPerMinute disables limiting. PerKeyLimit gives every key (voice
// id) its own bucket on top of the global one.
type Config struct {
	RequestsPerMinute int
	Burst             int
	PerKeyLimit       bool
}

func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		Burst:             5,
	}
}

func (c Config) Enabled() bool { return c.RequestsPerMinute > 0 }

// Limiter is a global token bucket with optional per-key buckets (for
// example one per voice id).
type Limiter struct {
	config  Config
	global  *rate.Limiter
	buckets sync.Map // map[string]*rate.Limiter
}

func NewLimiter(config Config) *Limiter {
	l := &Limiter{config: config}
	if config.Enabled() {
		l.global = newBucket(config)
	}
	return l
}

func newBucket(c Config) *rate.Limiter {
	burst := c.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.RequestsPerMinute)), burst)
}

// Wait blocks until a request may proceed or ctx is done. A disabled
// limiter never blocks and never fails, so context expiry is left for the
// caller's own work to report.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil || l.global == nil {
		return nil
	}
	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	if b := l.keyBucket(key); b != nil {
		return b.Wait(ctx)
	}
	return nil
}

func (l *Limiter) keyBucket(key string) *rate.Limiter {
	if !l.config.PerKeyLimit || key == "" {
		return nil
	}
	if cached, ok := l.buckets.Load(key); ok {
		return cached.(*rate.Limiter)
	}
	actual, _ := l.buckets.LoadOrStore(key, newBucket(l.config))
	return actual.(*rate.Limiter)
}

// Status reports the current token level of the global bucket and how
// many per-key buckets exist.
type Status struct {
	Enabled   bool    `json:"enabled"`
	Limit     int     `json:"requests_per_minute,omitempty"`
	Available float64 `json:"available,omitempty"`
	PerKey    bool    `json:"per_key,omitempty"`
	Keys      int     `json:"keys,omitempty"`
}

func (l *Limiter) Status() Status {
	if l == nil || l.global == nil {
		return Status{}
	}
	keys := 0
	l.buckets.Range(func(_, _ any) bool {
		keys++
		return true
	})
	return Status{
		Enabled:   true,
		Limit:     l.config.RequestsPerMinute,
		Available: l.global.Tokens(),
		PerKey:    l.config.PerKeyLimit,
		Keys:      keys,
	}
}
