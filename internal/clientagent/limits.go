package clientagent

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a global message rate plus a per-client message rate,
// protecting a CA instance from a single noisy client (or client population)
// overwhelming the bus with field updates.
type RateLimiter struct {
	global *rate.Limiter

	mu      sync.Mutex
	perConn map[uint64]*rate.Limiter
	newPer  func() *rate.Limiter
}

// NewRateLimiter builds a limiter allowing globalRPS messages/sec cluster
// wide and perConnRPS messages/sec per connected client, each with a burst
// of the rate (truncated to an integer) plus one.
func NewRateLimiter(globalRPS, perConnRPS float64) *RateLimiter {
	return &RateLimiter{
		global:  rate.NewLimiter(rate.Limit(globalRPS), int(globalRPS)+1),
		perConn: make(map[uint64]*rate.Limiter),
		newPer: func() *rate.Limiter {
			return rate.NewLimiter(rate.Limit(perConnRPS), int(perConnRPS)+1)
		},
	}
}

// Allow reports whether a message from the given session channel may
// proceed, consuming one token from both the global and per-connection
// buckets.
func (r *RateLimiter) Allow(sessionChannel uint64) bool {
	if !r.global.Allow() {
		return false
	}

	r.mu.Lock()
	l, ok := r.perConn[sessionChannel]
	if !ok {
		l = r.newPer()
		r.perConn[sessionChannel] = l
	}
	r.mu.Unlock()

	return l.Allow()
}

// Forget drops a connection's bucket once it disconnects.
func (r *RateLimiter) Forget(sessionChannel uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.perConn, sessionChannel)
}
