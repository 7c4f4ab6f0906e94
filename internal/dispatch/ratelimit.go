package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRatePerMinute is the per-sender message budget.
const DefaultRatePerMinute = 30

// SenderLimiter enforces a sliding one-minute window per sender. Entries
// for idle senders are evicted by the owner's cleanup tick, so the map
// stays bounded by the set of recently active peers.
type SenderLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	senders map[string][]time.Time
	dropped atomic.Uint64
}

// NewSenderLimiter allows perMinute messages per sender per minute.
func NewSenderLimiter(perMinute int) *SenderLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRatePerMinute
	}
	return &SenderLimiter{
		limit:   perMinute,
		window:  time.Minute,
		senders: make(map[string][]time.Time),
	}
}

// Allow records an arrival for sender and reports whether it fits the
// window. Rejected arrivals are counted but not recorded, so a flooding
// sender recovers as soon as its accepted messages age out.
func (l *SenderLimiter) Allow(sender string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.senders[sender]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.senders[sender] = kept
		l.dropped.Add(1)
		return false
	}
	l.senders[sender] = append(kept, now)
	return true
}

// EvictIdle removes senders with no arrivals in the given duration.
func (l *SenderLimiter) EvictIdle(idle time.Duration) {
	cutoff := time.Now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	for sender, stamps := range l.senders {
		if len(stamps) == 0 || stamps[len(stamps)-1].Before(cutoff) {
			delete(l.senders, sender)
		}
	}
}

// ActiveSenders reports how many senders currently hold a window.
func (l *SenderLimiter) ActiveSenders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.senders)
}

// Dropped returns the count of rate-limited messages.
func (l *SenderLimiter) Dropped() uint64 {
	return l.dropped.Load()
}

// TokenBucket is the global command limiter: capacity tokens, refilled
// continuously. Commands draw one token each.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
}

// NewTokenBucket starts full with the given capacity and refill rate.
func NewTokenBucket(capacity int, refillPerSec float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 10
	}
	if refillPerSec <= 0 {
		refillPerSec = 1
	}
	return &TokenBucket{
		capacity:     float64(capacity),
		tokens:       float64(capacity),
		refillPerSec: refillPerSec,
		last:         time.Now(),
	}
}

// Allow takes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
