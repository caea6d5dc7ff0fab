package signal

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/dkeye/voicerelay/internal/domain"
)

// RateLimiter applies a token bucket per client to text messages.
// A nil *RateLimiter allows everything.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[domain.ClientID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[domain.ClientID]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (rl *RateLimiter) Allow(id domain.ClientID) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	l, ok := rl.limiters[id]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[id] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

func (rl *RateLimiter) Forget(id domain.ClientID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.limiters, id)
	rl.mu.Unlock()
}
