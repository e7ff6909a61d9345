package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientRateLimiter bounds one caller's request rate and the number of
// requests it may have in flight.
type ClientRateLimiter struct {
	limiter       *rate.Limiter
	maxConcurrent int

	mu       sync.Mutex
	inflight int
}

// NewClientRateLimiter allows requestsPerMinute requests with a burst of
// the same size. Zero values disable the corresponding limit.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	limit := rate.Inf
	burst := 0
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
		burst = requestsPerMinute
	}
	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(limit, burst),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire reserves a request slot. On success the caller must Release.
// The returned code is RateLimitExceeded or TooManyConcurrent on refusal.
func (l *ClientRateLimiter) Acquire() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxConcurrent > 0 && l.inflight >= l.maxConcurrent {
		return false, TooManyConcurrent
	}
	if !l.limiter.Allow() {
		return false, RateLimitExceeded
	}
	l.inflight++
	return true, 0
}

// Release frees a slot taken by Acquire.
func (l *ClientRateLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight > 0 {
		l.inflight--
	}
}

// InFlight reports the number of unreleased requests.
func (l *ClientRateLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight
}

// limiterSet hands out one limiter per remote address for HTTP callers.
type limiterSet struct {
	mu       sync.Mutex
	perMin   int
	maxConc  int
	limiters map[string]*ClientRateLimiter
}

func newLimiterSet(perMin, maxConc int) *limiterSet {
	return &limiterSet{perMin: perMin, maxConc: maxConc, limiters: make(map[string]*ClientRateLimiter)}
}

func (s *limiterSet) get(key string) *ClientRateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = NewClientRateLimiter(s.perMin, s.maxConc)
		s.limiters[key] = l
	}
	return l
}
