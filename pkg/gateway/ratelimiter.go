package gateway

import (
	"sync"
	"time"
)

// Rate limit rejection reasons
const (
	ReasonRateLimited   = "rate limit exceeded"
	ReasonTooConcurrent = "too many concurrent requests"
)

// RateLimiter applies a sliding one-minute window and a concurrency cap per
// client key
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	clients           map[string]*clientWindow
	now               func() time.Time
}

type clientWindow struct {
	requests   []time.Time
	concurrent int
}

// NewRateLimiter creates a limiter. Zero values select 60 requests per
// minute and 10 concurrent requests.
func NewRateLimiter(requestsPerMinute, maxConcurrent int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		clients:           make(map[string]*clientWindow),
		now:               time.Now,
	}
}

// Acquire admits one request for key. On success the returned release func
// must be called when the request finishes.
func (r *RateLimiter) Acquire(key string) (func(), string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windowLocked(key)
	if w.concurrent >= r.maxConcurrent {
		return nil, ReasonTooConcurrent, false
	}
	if len(w.requests) >= r.requestsPerMinute {
		return nil, ReasonRateLimited, false
	}

	w.requests = append(w.requests, r.now())
	w.concurrent++

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if w.concurrent > 0 {
				w.concurrent--
			}
		})
	}
	return release, "", true
}

// Stats returns the requests in the current window and the in-flight count
func (r *RateLimiter) Stats(key string) (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windowLocked(key)
	return len(w.requests), w.concurrent
}

// windowLocked returns the window for key with expired requests dropped
func (r *RateLimiter) windowLocked(key string) *clientWindow {
	w, ok := r.clients[key]
	if !ok {
		w = &clientWindow{}
		r.clients[key] = w
	}

	cutoff := r.now().Add(-time.Minute)
	valid := w.requests[:0]
	for _, t := range w.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	w.requests = valid
	return w
}
