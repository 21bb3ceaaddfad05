package server

import (
	"sync"
	"time"
)

// tokenBucket limits inbound frames per connection. It holds up to burst
// tokens and regains burst tokens per refill interval, continuously.
type tokenBucket struct {
	mu     sync.Mutex
	burst  float64
	perSec float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

func newTokenBucket(cfg RateLimitConfig) *tokenBucket {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	b := &tokenBucket{
		burst:  float64(burst),
		perSec: float64(burst) / interval.Seconds(),
		tokens: float64(burst),
		now:    time.Now,
	}
	b.last = b.now()
	return b
}

// take spends one token and reports whether one was available.
func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = min(b.burst, b.tokens+elapsed.Seconds()*b.perSec)
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
