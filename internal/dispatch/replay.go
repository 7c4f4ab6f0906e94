package dispatch

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// ReplayWindow is the allowed skew between an event timestamp and now.
	ReplayWindow = 5 * time.Minute

	// historicalAge marks timestamps so old they must be a backfill of
	// stored history rather than a replay, and are let through.
	historicalAge = 365 * 24 * time.Hour

	// DefaultNonceCache bounds the nonce window.
	DefaultNonceCache = 2048
)

// Guard rejects stale or replayed messages: timestamps outside the
// window (with the historical exception) and reused payload nonces.
type Guard struct {
	window time.Duration
	nonces *lru.Cache[string, int64]
}

// NewGuard builds a guard with a bounded nonce cache.
func NewGuard(nonceCacheSize int) (*Guard, error) {
	if nonceCacheSize <= 0 {
		nonceCacheSize = DefaultNonceCache
	}
	cache, err := lru.New[string, int64](nonceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: nonce cache: %w", err)
	}
	return &Guard{window: ReplayWindow, nonces: cache}, nil
}

// AllowTimestamp accepts tsMS when it lies within the replay window of
// now, or is at least a year old (a historical fetch, not a replay).
func (g *Guard) AllowTimestamp(tsMS int64) bool {
	now := time.Now().UnixMilli()
	skew := now - tsMS

	if skew >= historicalAge.Milliseconds() {
		return true
	}
	if skew < 0 {
		skew = -skew
	}
	return skew <= g.window.Milliseconds()
}

// AllowNonce accepts a nonce the first time and rejects reuse. An empty
// nonce always passes; uniqueness is only enforced when senders opt in.
func (g *Guard) AllowNonce(nonce string) bool {
	if nonce == "" {
		return true
	}
	if _, seen := g.nonces.Get(nonce); seen {
		return false
	}
	g.nonces.Add(nonce, time.Now().UnixMilli())
	return true
}
