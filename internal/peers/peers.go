// Package peers tracks recently seen agents in a bounded LRU cache.
package peers

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Info is what we remember about a peer.
type Info struct {
	LastSeen  int64  `json:"lastSeen"`
	AgentName string `json:"agentName,omitempty"`
}

// Cache is a bounded pubkey → Info map with access-order eviction.
type Cache struct {
	inner *lru.Cache[string, Info]
}

// NewCache builds a cache holding at most size peers.
func NewCache(size int) (*Cache, error) {
	inner, err := lru.New[string, Info](size)
	if err != nil {
		return nil, fmt.Errorf("peers: %w", err)
	}
	return &Cache{inner: inner}, nil
}

// Touch records that a peer was seen now. An empty name keeps the previous
// one so announces without a name don't erase it.
func (c *Cache) Touch(pubkey, agentName string, ts int64) {
	if pubkey == "" {
		return
	}
	if agentName == "" {
		if prev, ok := c.inner.Peek(pubkey); ok {
			agentName = prev.AgentName
		}
	}
	c.inner.Add(pubkey, Info{LastSeen: ts, AgentName: agentName})
}

// Get returns the info for a peer.
func (c *Cache) Get(pubkey string) (Info, bool) {
	return c.inner.Get(pubkey)
}

// Len is the number of cached peers.
func (c *Cache) Len() int { return c.inner.Len() }

// Entry pairs a pubkey with its info for snapshots.
type Entry struct {
	PubKey string `json:"pubkey"`
	Info
}

// Snapshot lists all cached peers, most recently seen first.
func (c *Cache) Snapshot() []Entry {
	keys := c.inner.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if info, ok := c.inner.Peek(k); ok {
			out = append(out, Entry{PubKey: k, Info: info})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out
}
