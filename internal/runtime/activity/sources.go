package activity

import (
	"sort"
	"strings"
	"sync"
)

// SourceIdentity is the named, versioned origin of activities.
type SourceIdentity struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// SourceCache interns source identities by case-insensitive name so that all
// records from the same source share one *SourceIdentity. Entries are never
// evicted; the first version observed for a name is kept for the lifetime of
// the cache.
type SourceCache struct {
	mu      sync.RWMutex
	sources map[string]*SourceIdentity
}

// NewSourceCache returns an empty cache.
func NewSourceCache() *SourceCache {
	return &SourceCache{sources: make(map[string]*SourceIdentity)}
}

// Resolve returns the identity registered for name, creating it with version
// when absent. Concurrent callers racing on the same name receive the same
// pointer.
func (c *SourceCache) Resolve(name, version string) *SourceIdentity {
	if name == "" {
		return nil
	}
	key := strings.ToLower(name)

	c.mu.RLock()
	src, ok := c.sources[key]
	c.mu.RUnlock()
	if ok {
		return src
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if src, ok := c.sources[key]; ok {
		return src
	}
	src = &SourceIdentity{Name: name, Version: version}
	c.sources[key] = src
	return src
}

// Lookup returns the identity for name without creating it.
func (c *SourceCache) Lookup(name string) (*SourceIdentity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, ok := c.sources[strings.ToLower(name)]
	return src, ok
}

// Len returns the number of interned sources.
func (c *SourceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sources)
}

// Snapshot returns a copy of every interned identity ordered by name.
func (c *SourceCache) Snapshot() []SourceIdentity {
	c.mu.RLock()
	out := make([]SourceIdentity, 0, len(c.sources))
	for _, src := range c.sources {
		out = append(out, *src)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}
