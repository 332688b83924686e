package admission

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// cacheKey hashes the entrypoint and the canonical JSON of input. Map keys
// are sorted by encoding/json, so equal inputs hash equally.
func (c *Controller) cacheKey(input map[string]any) (string, bool) {
	if c.cache == nil {
		return "", false
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", false
	}
	h := sha256.New()
	h.Write([]byte(c.entrypoint))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), true
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}
	c.entries[key] = c.order.PushFront(cacheItem{key: key, value: value})
	if c.order.Len() <= c.max {
		return
	}
	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
