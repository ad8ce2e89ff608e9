package decision

import (
	"sync"

	"relay-proxy-go/internal/relay"
)

// Cache is a relay.Decider that memoizes the results of another
// decider. Deciders are deterministic per input, so decisions for
// requests with an empty body can be reused keyed on method, host and
// path. Requests carrying a body bypass the cache.
type Cache struct {
	Next relay.Decider

	m     sync.RWMutex
	cache map[cacheKey]relay.Decision
}

type cacheKey struct {
	method string
	host   string
	path   string
}

// Decide returns the cached decision for the request, consulting the
// wrapped decider on a miss.
func (c *Cache) Decide(meta relay.RequestMeta, body []byte) relay.Decision {
	if len(body) > 0 {
		return c.Next.Decide(meta, body)
	}

	key := cacheKey{meta.Method, meta.Host, meta.Path}

	c.m.RLock()
	d, ok := c.cache[key]
	c.m.RUnlock()

	if ok {
		return d
	}

	d = c.Next.Decide(meta, body)

	c.m.Lock()
	defer c.m.Unlock()

	if c.cache == nil {
		c.cache = map[cacheKey]relay.Decision{}
	}
	c.cache[key] = d

	return d
}

// Clear clears the cache.
func (c *Cache) Clear() {
	c.m.Lock()
	defer c.m.Unlock()

	c.cache = nil
}
