package resilience

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On a rate-limit signal it halves the rate (down to initial/4 minimum).
// A nil *AdaptiveLimiter never blocks.
type AdaptiveLimiter struct {
	name        string
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter for perSecond attempts. It
// returns nil when perSecond is not positive (unlimited).
func NewAdaptiveLimiter(name string, perSecond float64, burst int) *AdaptiveLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	initial := rate.Limit(perSecond)
	return &AdaptiveLimiter{
		name:        name,
		limiter:     rate.NewLimiter(initial, burst),
		initialRate: initial,
		maxRate:     initial * 2,
		minRate:     initial / 4,
		currentRate: initial,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.limiter.Wait(ctx)
}

// Observe adjusts the rate from an attempt's error.
func (a *AdaptiveLimiter) Observe(err error) {
	if a == nil {
		return
	}
	switch {
	case err == nil:
		a.onSuccess()
	case IsRateLimited(err):
		a.onRateLimit()
	}
}

func (a *AdaptiveLimiter) onSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

func (a *AdaptiveLimiter) onRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after rate-limit signal",
		zap.String("limiter", a.name),
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	if a == nil {
		return rate.Inf
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}
