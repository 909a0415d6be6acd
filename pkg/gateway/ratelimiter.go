package gateway

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter is a per-key sliding window limiter over one minute.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	requests map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per key per
// minute. A limit <= 0 disables it.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records a request for key if it fits in the window. When it does
// not, it returns how long until the oldest request leaves the window.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limit <= 0 {
		return true, 0
	}
	now := rl.now()
	valid := prune(rl.requests[key], now)
	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false, valid[0].Add(rateWindow).Sub(now)
	}
	rl.requests[key] = append(valid, now)
	return true, 0
}

// SetLimit changes the limit; existing windows are kept.
func (rl *RateLimiter) SetLimit(limit int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limit = limit
}

// Limit returns the current limit.
func (rl *RateLimiter) Limit() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.limit
}

// Sweep drops keys with no requests inside the window.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, reqs := range rl.requests {
		if valid := prune(reqs, now); len(valid) == 0 {
			delete(rl.requests, key)
			removed++
		} else {
			rl.requests[key] = valid
		}
	}
	return removed
}

func prune(reqs []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(reqs) && !reqs[i].After(cutoff) {
		i++
	}
	return reqs[i:]
}

// RateLimits are the per-minute submission limits.
type RateLimits struct {
	TenantPerMinute int `mapstructure:"tenant_per_minute" json:"tenant_per_minute"`
	UserPerMinute   int `mapstructure:"user_per_minute" json:"user_per_minute"`
}

// DefaultRateLimits returns 600 per tenant and 60 per user each minute.
func DefaultRateLimits() RateLimits {
	return RateLimits{TenantPerMinute: 600, UserPerMinute: 60}
}

// SubmissionLimiter applies the tenant limit and then the user limit.
type SubmissionLimiter struct {
	tenants *RateLimiter
	users   *RateLimiter
}

// NewSubmissionLimiter creates a limiter with limits.
func NewSubmissionLimiter(limits RateLimits) *SubmissionLimiter {
	return &SubmissionLimiter{
		tenants: NewRateLimiter(limits.TenantPerMinute),
		users:   NewRateLimiter(limits.UserPerMinute),
	}
}

// Check returns "" when the request is allowed, otherwise the scope that
// rejected it and the wait before retrying.
func (l *SubmissionLimiter) Check(tenantID, userID string) (string, time.Duration) {
	if ok, wait := l.tenants.Allow(tenantID); !ok {
		return "tenant", wait
	}
	if userID == "" {
		return "", 0
	}
	if ok, wait := l.users.Allow(tenantID + "/" + userID); !ok {
		return "user", wait
	}
	return "", 0
}

// Update applies new limits at runtime.
func (l *SubmissionLimiter) Update(limits RateLimits) {
	l.tenants.SetLimit(limits.TenantPerMinute)
	l.users.SetLimit(limits.UserPerMinute)
}

// Sweep drops idle keys from both limiters.
func (l *SubmissionLimiter) Sweep() int {
	return l.tenants.Sweep() + l.users.Sweep()
}
