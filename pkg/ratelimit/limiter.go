// Package ratelimit admits requests per client using fixed hourly and daily
// windows.
//
// A window starts at the first request after the previous one expired and
// is replaced, not incremented, once expired. A client can therefore burst up
// to twice a limit across a window boundary; that is accepted.
package ratelimit

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/cafgpt/cafgpt/pkg/models"
)

// Scope names the window that denied a request.
type Scope string

const (
	ScopeHourly Scope = "hourly"
	ScopeDaily  Scope = "daily"
)

const (
	HourWindow = time.Hour
	DayWindow  = 24 * time.Hour
)

// Limits are the per-window request quotas.
type Limits struct {
	Hourly int
	Daily  int
}

// Decision is the outcome of CheckAndConsume.
type Decision struct {
	Allowed    bool
	Scope      Scope
	RetryAfter time.Duration
	Status     models.RateLimitStatus
}

// Store holds window state per client key. Implementations must make
// CheckAndConsume atomic per key.
type Store interface {
	CheckAndConsume(ctx context.Context, key string, limits Limits, now time.Time) (Decision, error)
	Remaining(ctx context.Context, key string, limits Limits, now time.Time) (models.RateLimitStatus, error)
}

// Options configures a Limiter.
type Options struct {
	Limits       Limits
	TrustedCIDRs []string
	Now          func() time.Time
}

// Limiter applies Limits to client keys through a Store.
type Limiter struct {
	store   Store
	limits  Limits
	trusted []netip.Prefix
	now     func() time.Time
}

// New creates a Limiter. Trusted CIDRs bypass limiting entirely.
func New(store Store, opts Options) (*Limiter, error) {
	if opts.Limits.Hourly <= 0 || opts.Limits.Daily <= 0 {
		return nil, fmt.Errorf("rate limits must be positive, got hourly=%d daily=%d", opts.Limits.Hourly, opts.Limits.Daily)
	}
	l := &Limiter{store: store, limits: opts.Limits, now: opts.Now}
	if l.now == nil {
		l.now = time.Now
	}
	for _, cidr := range opts.TrustedCIDRs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse trusted cidr %q: %w", cidr, err)
		}
		l.trusted = append(l.trusted, p.Masked())
	}
	return l, nil
}

// Limits returns the configured quotas.
func (l *Limiter) Limits() Limits { return l.limits }

// CheckAndConsume admits or denies one request for key. An admitted request
// counts against both windows; a denied one counts against neither.
func (l *Limiter) CheckAndConsume(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	if l.Trusted(key) {
		return Decision{Allowed: true, Status: fullStatus(l.limits, now)}, nil
	}
	d, err := l.store.CheckAndConsume(ctx, key, l.limits, now)
	if err != nil {
		return Decision{}, fmt.Errorf("check rate limit: %w", err)
	}
	return d, nil
}

// Remaining reports the quota left for key without consuming any.
func (l *Limiter) Remaining(ctx context.Context, key string) (models.RateLimitStatus, error) {
	now := l.now()
	if l.Trusted(key) {
		return fullStatus(l.limits, now), nil
	}
	st, err := l.store.Remaining(ctx, key, l.limits, now)
	if err != nil {
		return st, fmt.Errorf("rate limit status: %w", err)
	}
	return st, nil
}

// Trusted reports whether key is an address inside a trusted network.
func (l *Limiter) Trusted(key string) bool {
	if len(l.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(key)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// window is one fixed counting window.
type window struct {
	count int
	start time.Time
}

func (w window) active(now time.Time, d time.Duration) bool {
	return w.count > 0 && now.Before(w.start.Add(d))
}

func (w window) status(limit int, now time.Time, d time.Duration) models.WindowStatus {
	if !w.active(now, d) {
		return models.WindowStatus{Limit: limit, Remaining: limit, ResetAt: now.Add(d)}
	}
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return models.WindowStatus{Limit: limit, Remaining: remaining, ResetAt: w.start.Add(d)}
}

// consume counts one request, replacing the window if it has expired.
func (w window) consume(now time.Time, d time.Duration) window {
	if !w.active(now, d) {
		return window{count: 1, start: now}
	}
	w.count++
	return w
}

func fullStatus(limits Limits, now time.Time) models.RateLimitStatus {
	return models.RateLimitStatus{
		Hourly: models.WindowStatus{Limit: limits.Hourly, Remaining: limits.Hourly, ResetAt: now.Add(HourWindow)},
		Daily:  models.WindowStatus{Limit: limits.Daily, Remaining: limits.Daily, ResetAt: now.Add(DayWindow)},
	}
}

// decide applies limits to a pair of windows. It returns the updated windows
// and the decision; denied requests leave the windows untouched.
func decide(hourly, daily window, limits Limits, now time.Time) (window, window, Decision) {
	if hourly.active(now, HourWindow) && hourly.count >= limits.Hourly {
		return hourly, daily, denied(ScopeHourly, hourly.start.Add(HourWindow).Sub(now), hourly, daily, limits, now)
	}
	if daily.active(now, DayWindow) && daily.count >= limits.Daily {
		return hourly, daily, denied(ScopeDaily, daily.start.Add(DayWindow).Sub(now), hourly, daily, limits, now)
	}

	hourly = hourly.consume(now, HourWindow)
	daily = daily.consume(now, DayWindow)
	return hourly, daily, Decision{
		Allowed: true,
		Status: models.RateLimitStatus{
			Hourly: hourly.status(limits.Hourly, now, HourWindow),
			Daily:  daily.status(limits.Daily, now, DayWindow),
		},
	}
}

func denied(scope Scope, retryAfter time.Duration, hourly, daily window, limits Limits, now time.Time) Decision {
	return Decision{
		Scope:      scope,
		RetryAfter: retryAfter,
		Status: models.RateLimitStatus{
			Hourly: hourly.status(limits.Hourly, now, HourWindow),
			Daily:  daily.status(limits.Daily, now, DayWindow),
		},
	}
}
