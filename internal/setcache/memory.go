package setcache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	val     []byte
	expires time.Time // zero means no expiry
}

type MemoryCache struct {
	mu     sync.Mutex
	m      map[string]memEntry
	stopCh chan struct{}
	once   sync.Once
}

func NewMemoryCache(cleanupEvery time.Duration) *MemoryCache {
	mc := &MemoryCache{
		m:      make(map[string]memEntry),
		stopCh: make(chan struct{}),
	}
	if cleanupEvery > 0 {
		go mc.gcLoop(cleanupEvery)
	}
	return mc
}

func (c *MemoryCache) gcLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.mu.Lock()
			now := time.Now()
			for k, e := range c.m {
				if !e.expires.IsZero() && now.After(e.expires) {
					delete(c.m, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(c.m, key)
		return nil, false, nil
	}
	return e.val, true, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, val []byte, ttl time.Duration) error {
	e := memEntry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.m[key] = e
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.stopCh) })
	return nil
}
