// Package dedupe remembers event ids that were already admitted so that
// re-delivered webhook events are acknowledged instead of processed.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Marker atomically checks whether a key was seen and marks it if not.
type Marker interface {
	CheckAndMark(ctx context.Context, key string) (bool, error)
}

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is an in-process, TTL-based, size-limited seen-set.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background expiry loop.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.cleanup(time.Minute)
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// CheckAndMark returns true if key was already seen within the TTL; otherwise
// it marks key and returns false.
func (c *Cache) CheckAndMark(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok {
		if now.Sub(entry.timestamp) < c.ttl {
			return true, nil
		}
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return false, nil
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{timestamp: now, element: c.order.PushBack(key)}
	return false, nil
}

func (c *Cache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// must be called with mu held
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background expiry loop. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
