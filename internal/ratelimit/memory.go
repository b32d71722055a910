package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type memEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type MemoryLimiter struct {
	mu      sync.Mutex
	m       map[string]*memEntry
	rps     float64
	burst   float64
	ttl     time.Duration
	cleanup time.Duration
	stopCh  chan struct{}
}

func NewMemoryLimiter(rps, burst float64, ttl time.Duration, cleanupEvery time.Duration) *MemoryLimiter {
	ml := &MemoryLimiter{
		m:       make(map[string]*memEntry),
		rps:     rps,
		burst:   burst,
		ttl:     ttl,
		cleanup: cleanupEvery,
		stopCh:  make(chan struct{}),
	}
	go ml.gcLoop()
	return ml
}

func (m *MemoryLimiter) gcLoop() {
	t := time.NewTicker(m.cleanup)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.mu.Lock()
			now := time.Now()
			for k, e := range m.m {
				if now.Sub(e.lastSeen) > m.ttl {
					delete(m.m, k)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	e := m.m[key]
	if e == nil {
		e = &memEntry{lim: rate.NewLimiter(rate.Limit(m.rps), int(m.burst))}
		m.m[key] = e
	}
	e.lastSeen = time.Now()
	lim := e.lim
	m.mu.Unlock()

	dec := Decision{Allowed: lim.Allow(), LimitRPS: m.rps, Burst: m.burst}
	if !dec.Allowed {
		dec.RetryAfterSeconds = 1
	} else {
		dec.Remaining = lim.Tokens()
	}
	return dec, nil
}

func (m *MemoryLimiter) Close() error {
	close(m.stopCh)
	return nil
}
