package infra

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket limiter, safe for concurrent use.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter builds a limiter allowing bursts of maxRequests and a
// sustained rate of perSecond.
func NewRateLimiter(maxRequests int, perSecond float64) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(maxRequests),
		maxTokens:  float64(maxRequests),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available.
func (r *RateLimiter) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	for r.tokens < 1 {
		wait := time.Duration(float64(time.Second) / r.refillRate)
		r.mu.Unlock()
		time.Sleep(wait)
		r.mu.Lock()
		r.refill()
	}
	r.tokens--
}

// TryAcquire takes a token without blocking, reporting success.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// refill adds tokens based on elapsed time. Caller holds the mutex.
func (r *RateLimiter) refill() {
	now := time.Now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.lastRefill = now
}

// VenueLimiters groups per-endpoint-class limiters for one venue.
type VenueLimiters struct {
	Orders  *RateLimiter
	Account *RateLimiter
	Market  *RateLimiter
}

// NewBitgetLimiters returns limiters tuned to Bitget's published
// limits, kept conservative to avoid IP bans.
func NewBitgetLimiters() *VenueLimiters {
	return &VenueLimiters{
		Orders:  NewRateLimiter(5, 10),   // 10 req/s, burst 5
		Account: NewRateLimiter(5, 10),   // 10 req/s, burst 5
		Market:  NewRateLimiter(10, 20),  // 20 req/s, burst 10
	}
}
