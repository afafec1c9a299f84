package firewall

import (
	"sync"
	"time"
)

// tokenBucket is a classic token-bucket limiter keyed by
// (max_packets, interval_ms).
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	refillRate float64 // tokens per nanosecond
	last       time.Time
}

func newTokenBucket(rl RateLimit) *tokenBucket {
	max := float64(rl.MaxPackets)
	interval := time.Duration(rl.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	return &tokenBucket{
		tokens:     max,
		max:        max,
		refillRate: max / float64(interval),
		last:       time.Now(),
	}
}

// Allow consumes one token if available, refilling based on elapsed time
// since the last call.
func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.last)
	b.last = now

	b.tokens += float64(elapsed) * b.refillRate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
