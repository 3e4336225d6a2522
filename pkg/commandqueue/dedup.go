package commandqueue

import (
	"context"
	"sync"
	"time"
)

const defaultDedupTTL = 5 * time.Minute

type dedupEntry struct {
	result   taskResult
	storedAt time.Time
}

// dedupCache remembers task results by request id for a bounded time.
type dedupCache struct {
	entries map[string]dedupEntry
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	done    chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	cache := &dedupCache{
		entries: make(map[string]dedupEntry),
		ttl:     ttl,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go cache.sweep(ctx)
	return cache
}

func (dc *dedupCache) Get(key string) (taskResult, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, ok := dc.entries[key]
	if !ok || dc.now().Sub(entry.storedAt) > dc.ttl {
		return taskResult{}, false
	}
	return entry.result, true
}

func (dc *dedupCache) Set(key string, result taskResult) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries[key] = dedupEntry{result: result, storedAt: dc.now()}
}

func (dc *dedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}

func (dc *dedupCache) evictExpired() {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	for key, entry := range dc.entries {
		if now.Sub(entry.storedAt) > dc.ttl {
			delete(dc.entries, key)
		}
	}
}

// sweep evicts expired entries until ctx is done.
func (dc *dedupCache) sweep(ctx context.Context) {
	defer close(dc.done)

	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.evictExpired()
		}
	}
}
