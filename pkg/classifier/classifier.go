// Package classifier implements the multi-stage classification cascade:
// a pattern stage, a similarity stage and a reasoning stage run in strict
// priority order, each with its own timeout, short-circuiting as soon as a
// stage reaches its confidence threshold.
package classifier

import (
	"container/list"
	"context"
	"sync"

	"github.com/witlox/lacuna/pkg/domain"
)

// Classifier is one stage or plugin in the cascade. Classify returns
// (nil, nil) when the classifier has no opinion, which propagates to the
// next classifier in priority order.
type Classifier interface {
	Name() string
	// Priority orders classifiers in the cascade; lower runs earlier.
	Priority() int
	Classify(ctx context.Context, op domain.DataOperation) (*domain.Classification, error)
}

// Built-in stage priorities. Third-party classifiers registered with a
// lower priority run before the pattern stage.
const (
	PriorityPattern    = 60
	PrioritySimilarity = 70
	PriorityReasoning  = 80
)

// resultCache is a small LRU over classification results, keyed by the
// operation description plus the context fields that influence rules.
type resultCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value domain.Classification
}

func newResultCache(capacity int) *resultCache {
	if capacity <= 0 {
		return nil
	}
	return &resultCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *resultCache) Get(key string) (domain.Classification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return domain.Classification{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *resultCache) Add(key string, value domain.Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(cacheItem{key: key, value: value})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}
	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *resultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
