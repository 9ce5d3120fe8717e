// Package ratelimit wraps the token-bucket limiter shared by the weather
// API fetchers and the webhook sender. A nil *Limiter (rate 0) disables
// pacing entirely.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces outbound requests at a fixed tokens-per-second rate.
// Waiting never holds any caller-visible lock: x/time/rate reserves a
// token under its internal mutex and then sleeps on a timer, so parallel
// waiters queue in arrival order without blocking each other's reservations.
type Limiter struct {
	l *rate.Limiter
}

// New returns a limiter allowing perSec requests per second with a burst
// of one token, or nil when perSec is zero or negative (disabled).
func New(perSec float64) *Limiter {
	if perSec <= 0 {
		return nil
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(perSec), 1)}
}

// Wait blocks until a token is available or ctx is cancelled. A nil
// receiver is a no-op so disabled limiters cost nothing at call sites.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	return l.l.Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming it if
// so. Nil receivers always allow.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.l.Allow()
}
