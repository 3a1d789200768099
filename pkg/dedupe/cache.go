// Package dedupe remembers recently seen client message ids so that a send
// replayed after a reconnect is applied once.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type entry struct {
	at   time.Time
	elem *list.Element
}

// Cache is a TTL and size bounded set of keys. Oldest keys are evicted first.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndMark reports whether key was already seen within the TTL and marks
// it otherwise. Empty keys are never considered duplicates.
func (c *Cache) CheckAndMark(key string) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expire(now)

	if _, ok := c.seen[key]; ok {
		return true
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}
	c.seen[key] = &entry{at: now, elem: c.order.PushBack(key)}
	return false
}

// Forget drops key so a later send with the same key is accepted again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.elem)
		delete(c.seen, key)
	}
}

// Claim marks a client message id for one conversation. It reports false
// when the id was claimed within the TTL. Empty ids always succeed.
func (c *Cache) Claim(_ context.Context, conversationID, clientID string) (bool, error) {
	return !c.CheckAndMark(key(conversationID, clientID)), nil
}

// Release undoes a Claim whose message was never stored.
func (c *Cache) Release(_ context.Context, conversationID, clientID string) error {
	c.Forget(key(conversationID, clientID))
	return nil
}

func key(conversationID, clientID string) string {
	if clientID == "" {
		return ""
	}
	return conversationID + ":" + clientID
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// expire drops entries older than the TTL. Insertion order equals age order.
func (c *Cache) expire(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key := front.Value.(string)
		if now.Sub(c.seen[key].at) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}
