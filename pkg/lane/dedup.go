package lane

import (
	"context"
	"sync"
	"time"
)

// dedupKey scopes an idempotency key to its session lane
type dedupKey struct {
	sessionKey     string
	idempotencyKey string
}

// dedupEntry stores the run ID a completed idempotency key resolved to
type dedupEntry struct {
	runID     string
	timestamp time.Time
}

// dedupCache remembers completed idempotency keys for a TTL window so
// resubmission after completion still returns the original run ID
type dedupCache struct {
	entries map[dedupKey]*dedupEntry
	ttl     time.Duration
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// newDedupCache creates a new deduplication cache
func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries: make(map[dedupKey]*dedupEntry),
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
	}

	// Start cleanup goroutine
	go cache.cleanup()

	return cache
}

func (dc *dedupCache) Stop() {
	if dc.cancel != nil {
		dc.cancel()
	}
}

// Get retrieves the cached run ID if the key exists and is not expired
func (dc *dedupCache) Get(sessionKey, idempotencyKey string) (string, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, exists := dc.entries[dedupKey{sessionKey, idempotencyKey}]
	if !exists {
		return "", false
	}

	// Check if expired
	if time.Since(entry.timestamp) > dc.ttl {
		return "", false
	}

	return entry.runID, true
}

// Set stores the run ID a completed key resolved to
func (dc *dedupCache) Set(sessionKey, idempotencyKey, runID string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.entries[dedupKey{sessionKey, idempotencyKey}] = &dedupEntry{
		runID:     runID,
		timestamp: time.Now(),
	}
}

// cleanup periodically removes expired entries
func (dc *dedupCache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-dc.ctx.Done():
			return
		case <-ticker.C:
			dc.mu.Lock()
			now := time.Now()
			for key, entry := range dc.entries {
				if now.Sub(entry.timestamp) > dc.ttl {
					delete(dc.entries, key)
				}
			}
			dc.mu.Unlock()
		}
	}
}

// Size returns the number of entries in the cache
func (dc *dedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}

// Clear removes all entries from the cache
func (dc *dedupCache) Clear() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries = make(map[dedupKey]*dedupEntry)
}
