package sandbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOfflineRegistry returns a registry whose docker CLI is missing, so
// every operation exercises the registry-only path.
func newOfflineRegistry() *Registry {
	r := NewRegistry()
	r.cli = "definitely-not-docker-xyz"
	return r
}

func TestRegistry_RecordCreatedAndList(t *testing.T) {
	registry := newOfflineRegistry()

	registry.RecordCreated(ContextRecord{ID: "abc123", Name: "sera-sbx-abc123", Image: "alpine:3.18"})
	registry.RecordCreated(ContextRecord{ID: "def456", Name: "sera-sbx-def456", Image: "alpine:3.18"})

	records, err := registry.List(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "abc123", records[0].ID)
	assert.False(t, records[0].CreatedAt.IsZero())
}

func TestRegistry_List_BrowserOnly(t *testing.T) {
	registry := newOfflineRegistry()

	registry.RecordCreated(ContextRecord{ID: "shell1", Name: "sera-sbx-shell1"})
	registry.RecordCreated(ContextRecord{ID: "brow1", Name: "sera-browser-brow1"})

	records, err := registry.List(context.Background(), true)
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "brow1", records[0].ID)
	assert.True(t, records[0].Browser)
}

func TestRegistry_BrowserDetectionFromLabels(t *testing.T) {
	registry := newOfflineRegistry()

	registry.RecordCreated(ContextRecord{ID: "x1", Name: "sera-sbx-x1", Labels: "sera.sandbox=1,role=Browser"})

	records, err := registry.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRegistry_Remove_EmptyID(t *testing.T) {
	registry := newOfflineRegistry()

	err := registry.Remove(context.Background(), "   ")

	assert.ErrorIs(t, err, ErrEmptyContainerID)
}

func TestRegistry_RemoveAll_PrunesMatchingRecords(t *testing.T) {
	registry := newOfflineRegistry()

	registry.RecordCreated(ContextRecord{ID: "old1", Name: "sera-sbx-old1", CreatedAt: time.Now().Add(-2 * time.Hour)})
	registry.RecordCreated(ContextRecord{ID: "new1", Name: "sera-sbx-new1", CreatedAt: time.Now()})

	op, err := registry.RemoveAll(context.Background(), CleanupFilter{OlderThan: time.Hour})
	require.NoError(t, err)

	assert.False(t, op.DockerAvailable)
	assert.Empty(t, op.Removed)
	assert.Equal(t, 1, registry.ContextCount())

	records, err := registry.List(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new1", records[0].ID)
}

func TestRegistry_RemoveAll_All(t *testing.T) {
	registry := newOfflineRegistry()

	registry.RecordCreated(ContextRecord{ID: "a", Name: "sera-sbx-a"})
	registry.RecordCreated(ContextRecord{ID: "b", Name: "sera-sbx-b"})

	_, err := registry.RemoveAll(context.Background(), CleanupFilter{All: true})
	require.NoError(t, err)

	assert.Equal(t, 0, registry.ContextCount())
}

func TestRegistry_RemoveAll_EmptyFilterRemovesNothing(t *testing.T) {
	registry := newOfflineRegistry()

	registry.RecordCreated(ContextRecord{ID: "keep", Name: "sera-sbx-keep"})

	_, err := registry.RemoveAll(context.Background(), CleanupFilter{})
	require.NoError(t, err)

	assert.Equal(t, 1, registry.ContextCount())
}

func TestRegistry_RemoveAll_CapsCleanupLog(t *testing.T) {
	registry := newOfflineRegistry()

	for i := 0; i < maxCleanupOps+20; i++ {
		_, err := registry.RemoveAll(context.Background(), CleanupFilter{All: true})
		require.NoError(t, err)
	}

	ops := registry.CleanupOps()
	assert.Len(t, ops, maxCleanupOps)
}

func TestRegistry_CleanupOpsAreCopied(t *testing.T) {
	registry := newOfflineRegistry()

	_, err := registry.RemoveAll(context.Background(), CleanupFilter{All: true})
	require.NoError(t, err)

	ops := registry.CleanupOps()
	require.Len(t, ops, 1)
	ops[0].Removed = append(ops[0].Removed, "mutated")

	fresh := registry.CleanupOps()
	assert.Empty(t, fresh[0].Removed)
}

func TestCleanupFilter_Matches(t *testing.T) {
	now := time.Now()
	browser := ContextRecord{ID: "b", Browser: true, CreatedAt: now.Add(-2 * time.Hour)}
	shell := ContextRecord{ID: "s", Browser: false, CreatedAt: now.Add(-2 * time.Hour)}
	fresh := ContextRecord{ID: "f", Browser: false, CreatedAt: now}
	ageless := ContextRecord{ID: "u", Browser: false}

	tests := []struct {
		name   string
		filter CleanupFilter
		rec    ContextRecord
		want   bool
	}{
		{"all matches shell", CleanupFilter{All: true}, shell, true},
		{"all matches browser", CleanupFilter{All: true}, browser, true},
		{"browser only skips shell", CleanupFilter{All: true, BrowserOnly: true}, shell, false},
		{"browser only matches browser", CleanupFilter{BrowserOnly: true}, browser, true},
		{"older than matches old", CleanupFilter{OlderThan: time.Hour}, shell, true},
		{"older than skips fresh", CleanupFilter{OlderThan: time.Hour}, fresh, false},
		{"older than skips unknown age", CleanupFilter{OlderThan: time.Hour}, ageless, false},
		{"empty filter matches nothing", CleanupFilter{}, shell, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.matches(tt.rec))
		})
	}
}

func TestRegistry_ConcurrentRecordCreated(t *testing.T) {
	registry := newOfflineRegistry()
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			registry.RecordCreated(ContextRecord{ID: fmt.Sprintf("c%d", n)})
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, 10, registry.ContextCount())
}
