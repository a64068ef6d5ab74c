// Package ratelimit throttles inbound signaling messages per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket holds up to burst tokens and refills at rate tokens per second.
// Partial tokens are tracked in nanoseconds of accrued refill time so integer
// rates never drift.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	burst int64
	rate  int64

	tokens int64
	// carry is refill time already elapsed but not yet worth a whole token.
	carry time.Duration
	last  time.Time
}

// NewTokenBucket starts full. A non-positive rate never refills.
func NewTokenBucket(clock Clock, burst, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 0 {
		burst = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:  clock,
		burst:  burst,
		rate:   rate,
		tokens: burst,
		last:   clock.Now(),
	}
}

// NewMessageLimiter allows perSecond messages per second with a one-second
// burst.
func NewMessageLimiter(clock Clock, perSecond int) *TokenBucket {
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow takes n tokens when they are all available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate == 0 {
		return
	}
	if b.tokens >= b.burst {
		b.carry = 0
		return
	}

	perToken := time.Second / time.Duration(b.rate)
	if perToken <= 0 {
		b.tokens = b.burst
		b.carry = 0
		return
	}

	elapsed += b.carry
	gained := int64(elapsed / perToken)
	b.carry = elapsed % perToken
	if gained >= b.burst-b.tokens {
		b.tokens = b.burst
		b.carry = 0
		return
	}
	b.tokens += gained
}
