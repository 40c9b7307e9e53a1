package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a deterministic token bucket refilling at an integer
// rate (tokens/sec) from an injected Clock. It bounds the inbound
// signaling message rate per connection.
//
// Accounting is in nanoseconds of credit (1 token = 1e9 ns) to avoid
// float rounding.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens/sec

	credit int64 // nanosecond-tokens available
	last   time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		rate:     rate,
		credit:   capacity * int64(time.Second),
		last:     clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := n * int64(time.Second)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.credit < cost {
		return false
	}
	b.credit -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	max := b.capacity * int64(time.Second)
	need := max - b.credit
	if need <= 0 {
		b.credit = max
		return
	}
	// rate tokens/sec == rate nanosecond-tokens per nanosecond. Clamp
	// before multiplying so long idle periods cannot overflow.
	if elapsed.Nanoseconds() >= need/b.rate {
		b.credit = max
		return
	}
	b.credit += elapsed.Nanoseconds() * b.rate
}
