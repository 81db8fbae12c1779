package lane

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupCache_SetGet(t *testing.T) {
	cache := newDedupCache(context.Background(), time.Minute)
	defer cache.Stop()

	cache.Set("sess-1", "key-1", "run-1")

	runID, ok := cache.Get("sess-1", "key-1")
	assert.True(t, ok)
	assert.Equal(t, "run-1", runID)

	_, ok = cache.Get("sess-1", "key-2")
	assert.False(t, ok)
}

func TestDedupCache_ScopedBySession(t *testing.T) {
	cache := newDedupCache(context.Background(), time.Minute)
	defer cache.Stop()

	cache.Set("sess-1", "key-1", "run-1")

	_, ok := cache.Get("sess-2", "key-1")
	assert.False(t, ok)
}

func TestDedupCache_Expiry(t *testing.T) {
	cache := newDedupCache(context.Background(), 20*time.Millisecond)
	defer cache.Stop()

	cache.Set("sess-1", "key-1", "run-1")
	time.Sleep(50 * time.Millisecond)

	_, ok := cache.Get("sess-1", "key-1")
	assert.False(t, ok)
}

func TestDedupCache_ClearAndSize(t *testing.T) {
	cache := newDedupCache(context.Background(), time.Minute)
	defer cache.Stop()

	cache.Set("sess-1", "key-1", "run-1")
	cache.Set("sess-1", "key-2", "run-2")
	assert.Equal(t, 2, cache.Size())

	cache.Clear()
	assert.Equal(t, 0, cache.Size())
}
