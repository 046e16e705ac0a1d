// Package ratelimit tracks per-host request budgets. A budget follows the
// allowance the host advertises in its response headers and falls back to a
// fixed-interval token bucket until the host has said anything.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// FallbackInterval spaces requests to hosts that have not sent a budget signal.
	FallbackInterval time.Duration
	// Burst is the token bucket burst for the fallback limiter.
	Burst int
	// RateLimitFallbackWait is how long to hold off when a host rate limits
	// without saying when the window resets.
	RateLimitFallbackWait time.Duration
}

// Limiter manages per-host budgets.
type Limiter struct {
	mu      sync.Mutex
	budgets map[string]*Budget
	cfg     Config
	now     func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RateLimitFallbackWait <= 0 {
		cfg.RateLimitFallbackWait = time.Minute
	}
	return &Limiter{
		budgets: make(map[string]*Budget),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Budget returns the budget for host, creating it on first use.
func (l *Limiter) Budget(host string) *Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[host]
	if !ok {
		b = newBudget(host, l.cfg, l.now)
		l.budgets[host] = b
	}
	return b
}

// Wait blocks until host may receive another request, respecting the context.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.Budget(host).Acquire(ctx)
}

// Snapshots returns the current view of every known host budget.
func (l *Limiter) Snapshots() []crawler.HostBudget {
	l.mu.Lock()
	budgets := make([]*Budget, 0, len(l.budgets))
	for _, b := range l.budgets {
		budgets = append(budgets, b)
	}
	l.mu.Unlock()

	out := make([]crawler.HostBudget, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Budget is the process-local allowance of one host. It is safe for
// concurrent use by every worker talking to that host.
type Budget struct {
	mu           sync.Mutex
	host         string
	limit        int
	remaining    int
	resetAt      time.Time
	known        bool
	backoffLevel int
	fallback     *rate.Limiter
	fallbackWait time.Duration
	now          func() time.Time
}

func newBudget(host string, cfg Config, now func() time.Time) *Budget {
	every := rate.Inf
	if cfg.FallbackInterval > 0 {
		every = rate.Every(cfg.FallbackInterval)
	}
	return &Budget{
		host:         host,
		fallback:     rate.NewLimiter(every, cfg.Burst),
		fallbackWait: cfg.RateLimitFallbackWait,
		now:          now,
	}
}

// Acquire blocks until one request may be sent. With a known budget it
// spends one unit of the remaining allowance, sleeping until the reset time
// when the allowance is exhausted; otherwise it waits on the fallback limiter.
func (b *Budget) Acquire(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if waited := time.Since(start); waited > time.Millisecond {
			metrics.ObserveRateLimitDelay(b.host, waited)
		}
	}()

	for {
		b.mu.Lock()
		if !b.known {
			limiter := b.fallback
			b.mu.Unlock()
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
			return nil
		}
		now := b.now()
		if b.remaining > 0 {
			b.remaining--
			b.mu.Unlock()
			return nil
		}
		if !b.resetAt.After(now) {
			b.restoreLocked()
			b.mu.Unlock()
			continue
		}
		wait := b.resetAt.Sub(now)
		b.mu.Unlock()

		if err := crawler.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
}

// restoreLocked refills the allowance once the window has reset. Without a
// known limit the budget reverts to the fallback limiter.
func (b *Budget) restoreLocked() {
	if b.limit > 0 {
		b.remaining = b.limit
	} else {
		b.known = false
	}
	b.resetAt = time.Time{}
}

// Observe folds a host signal into the budget. The host's remaining count is
// authoritative over local accounting.
func (b *Budget) Observe(sig Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sig.Limit > 0 {
		b.limit = sig.Limit
	}
	if sig.HasRemaining {
		b.remaining = sig.Remaining
		b.known = true
		metrics.SetHostBudgetRemaining(b.host, sig.Remaining)
	}
	if !sig.ResetAt.IsZero() {
		b.resetAt = sig.ResetAt
	}
}

// Exhaust zeroes the allowance until the given time. An unknown reset time
// waits the configured fallback instead.
func (b *Budget) Exhaust(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.IsZero() || !until.After(b.now()) {
		until = b.now().Add(b.fallbackWait)
	}
	b.known = true
	b.remaining = 0
	if until.After(b.resetAt) {
		b.resetAt = until
	}
	metrics.SetHostBudgetRemaining(b.host, 0)
}

// SetBackoffLevel records how deep into transient backoff the host is.
func (b *Budget) SetBackoffLevel(level int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if level < 0 {
		level = 0
	}
	b.backoffLevel = level
}

// Snapshot returns a copy of the budget state.
func (b *Budget) Snapshot() crawler.HostBudget {
	b.mu.Lock()
	defer b.mu.Unlock()
	return crawler.HostBudget{
		Host:         b.host,
		Limit:        b.limit,
		Remaining:    b.remaining,
		ResetAt:      b.resetAt,
		BackoffLevel: b.backoffLevel,
		Known:        b.known,
	}
}
