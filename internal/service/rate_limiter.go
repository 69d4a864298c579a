package service

import (
	"context"
	"time"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
)

// RateWindow is one observation from the shared counter: the current
// window's count after this hit, plus the previous window's final count.
type RateWindow struct {
	Now      time.Time
	Start    time.Time
	Window   time.Duration
	Count    int64
	Previous int64
}

// RateCounter records one hit for a principal and reports the window
// state. Implementations count on the shared store so all gateway
// instances see the same numbers.
type RateCounter interface {
	Hit(ctx context.Context, principal string, window time.Duration) (*RateWindow, error)
}

// Decision is the outcome of a rate-limit check, carrying everything the
// HTTP layer needs for X-RateLimit-* and Retry-After headers.
type Decision struct {
	Allowed    bool
	Unlimited  bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// RateLimiter enforces per-principal request budgets per tier. The store
// always counts fixed windows; the sliding algorithm additionally weighs
// the previous window's count by the fraction of it a rolling window
// still overlaps, which smooths the boundary burst fixed windows allow.
// A counter failure denies the request rather than running unmetered.
type RateLimiter struct {
	counter   RateCounter
	rbac      *RBACService
	sink      metrics.Sink
	window    time.Duration
	algorithm string
	limits    *config.RateLimitConfig
}

func NewRateLimiter(cfg *config.Config, counter RateCounter, rbac *RBACService, sink metrics.Sink) *RateLimiter {
	if sink == nil {
		sink = metrics.NewNop()
	}
	return &RateLimiter{
		counter:   counter,
		rbac:      rbac,
		sink:      sink,
		window:    cfg.RateLimit.WindowOrDefault(),
		algorithm: cfg.RateLimit.AlgorithmOrDefault(),
		limits:    &cfg.RateLimit,
	}
}

// Check records a hit for p and decides whether it is within budget.
// Denied requests still consume a slot in the current window.
func (l *RateLimiter) Check(ctx context.Context, p *domain.Principal) (*Decision, error) {
	limit, unlimited := l.limits.TierLimit(string(p.Tier))
	if unlimited || l.rbac.HasPermission(p, domain.PermRateLimitBypass) {
		return &Decision{Allowed: true, Unlimited: true}, nil
	}

	win, err := l.counter.Hit(ctx, p.ID, l.window)
	if err != nil {
		return nil, infraerrors.Unavailable("RATE_LIMIT_UNAVAILABLE", "rate limiting unavailable").WithCause(err)
	}

	used := win.Count
	if l.algorithm == "sliding" {
		used = slidingCount(win)
	}

	d := &Decision{
		Allowed: used <= int64(limit),
		Limit:   limit,
		Reset:   win.Start.Add(win.Window),
	}
	if remaining := int64(limit) - used; remaining > 0 {
		d.Remaining = int(remaining)
	}
	if !d.Allowed {
		d.RetryAfter = d.Reset.Sub(win.Now)
		l.sink.IncCounter(metrics.MetricRateLimitedTotal, metrics.Labels{"tier": string(p.Tier)})
	}
	return d, nil
}

// slidingCount approximates a rolling window: the previous window's total
// contributes in proportion to how much of it is still inside the rolling
// window ending now.
func slidingCount(w *RateWindow) int64 {
	frac := 1 - float64(w.Now.Sub(w.Start))/float64(w.Window)
	if frac < 0 {
		frac = 0
	}
	return w.Count + int64(float64(w.Previous)*frac)
}
