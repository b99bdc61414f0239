package policy

import (
	"sync"

	"golang.org/x/time/rate"
)

// ContactLimiter rate-limits inbound turns per contact address.
type ContactLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewContactLimiter returns nil when rps is not positive, which disables limiting.
func NewContactLimiter(rps float64, burst int) *ContactLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &ContactLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// Allow reports whether contact may send another message now. A nil limiter
// allows everything.
func (l *ContactLimiter) Allow(contact string) bool {
	if l == nil {
		return true
	}
	return l.limiter(contact).Allow()
}

func (l *ContactLimiter) limiter(contact string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[contact]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[contact]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[contact] = lim
	return lim
}
