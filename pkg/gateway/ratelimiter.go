package gateway

import (
	"net/http"
	"sync"
	"time"
)

const (
	reasonConcurrent = "too many concurrent requests"
	reasonRate       = "rate limit exceeded"
)

// ClientRateLimiter implements a sliding one-minute window plus a
// concurrency cap for a single user.
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
	now                func() time.Time
}

// NewClientRateLimiter creates a limiter with default limits.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(60, 4)
}

// NewClientRateLimiterWithLimits creates a limiter with custom limits.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		requests:          make([]time.Time, 0),
		now:               time.Now,
	}
}

// CheckRequestAllowed reports whether another request fits the limits.
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allowedLocked()
}

func (r *ClientRateLimiter) allowedLocked() (bool, string) {
	if r.concurrentRequests >= r.maxConcurrent {
		return false, reasonConcurrent
	}
	r.pruneLocked()
	if len(r.requests) >= r.requestsPerMinute {
		return false, reasonRate
	}
	return true, ""
}

func (r *ClientRateLimiter) pruneLocked() {
	cutoff := r.now().Add(-time.Minute)
	kept := r.requests[:0]
	for _, reqTime := range r.requests {
		if reqTime.After(cutoff) {
			kept = append(kept, reqTime)
		}
	}
	r.requests = kept
}

// Acquire checks the limits and records the start of a request in one
// step. The returned release must be called when the request ends.
func (r *ClientRateLimiter) Acquire() (release func(), reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ok, why := r.allowedLocked(); !ok {
		return nil, why
	}
	r.requests = append(r.requests, r.now())
	r.concurrentRequests++

	var once sync.Once
	return func() { once.Do(r.RecordRequestEnd) }, ""
}

// RecordRequestStart records the start of a request.
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, r.now())
	r.concurrentRequests++
}

// RecordRequestEnd records the end of a request.
func (r *ClientRateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// GetStats returns the requests in the current window and those in flight.
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.requests), r.concurrentRequests
}

// UserRateLimits hands out one ClientRateLimiter per user.
type UserRateLimits struct {
	mu                sync.Mutex
	limiters          map[string]*ClientRateLimiter
	requestsPerMinute int
	maxConcurrent     int
}

// NewUserRateLimits creates per-user limits. Non-positive values fall back
// to the ClientRateLimiter defaults.
func NewUserRateLimits(requestsPerMinute, maxConcurrent int) *UserRateLimits {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &UserRateLimits{
		limiters:          make(map[string]*ClientRateLimiter),
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

// For returns the limiter for userID, creating it on first use.
func (u *UserRateLimits) For(userID string) *ClientRateLimiter {
	u.mu.Lock()
	defer u.mu.Unlock()
	limiter, ok := u.limiters[userID]
	if !ok {
		limiter = NewClientRateLimiterWithLimits(u.requestsPerMinute, u.maxConcurrent)
		u.limiters[userID] = limiter
	}
	return limiter
}

// Middleware rejects requests over the caller's limits with 429. It must run
// after the middleware that identifies the user.
func (u *UserRateLimits) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFromContext(r.Context())
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		release, reason := u.For(userID).Acquire()
		if release == nil {
			w.Header().Set("Retry-After", "60")
			respondError(w, http.StatusTooManyRequests, reason)
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}
