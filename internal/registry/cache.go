package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// ToolSetCache holds the current CachedToolSet per provider.
// Uses sync.Map for lock-free reads on the hot path; each provider's set is
// published with an atomic pointer swap, so readers never see a partial refresh.
type ToolSetCache struct {
	store sync.Map // map[string]*toolSetEntry
}

type toolSetEntry struct {
	current atomic.Pointer[CachedToolSet]
}

// NewToolSetCache creates an empty cache.
func NewToolSetCache() *ToolSetCache {
	return &ToolSetCache{}
}

func (c *ToolSetCache) entry(provider string) *toolSetEntry {
	if val, ok := c.store.Load(provider); ok {
		return val.(*toolSetEntry)
	}
	val, _ := c.store.LoadOrStore(provider, &toolSetEntry{})
	return val.(*toolSetEntry)
}

// Get returns the current set for provider, fresh or stale, or nil.
func (c *ToolSetCache) Get(provider string) *CachedToolSet {
	val, ok := c.store.Load(provider)
	if !ok {
		return nil
	}
	return val.(*toolSetEntry).current.Load()
}

// Swap publishes set as the provider's current snapshot.
func (c *ToolSetCache) Swap(set *CachedToolSet) {
	c.entry(set.Provider).current.Store(set)
}

// Expire marks the provider's set stale while keeping it as a fallback.
func (c *ToolSetCache) Expire(provider string) {
	e := c.entry(provider)
	for {
		cur := e.current.Load()
		if cur == nil {
			return
		}
		expired := *cur
		expired.FetchedAt = time.Time{}
		if e.current.CompareAndSwap(cur, &expired) {
			return
		}
	}
}

// Delete removes the provider entirely.
func (c *ToolSetCache) Delete(provider string) {
	c.store.Delete(provider)
}
