package keyword

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubSource struct {
	docs []Document
	err  error
}

func (s *stubSource) ListIndexedChunks(ctx context.Context) ([]Document, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.docs, nil
}

func TestIndexer_PublishNeverBlocks(t *testing.T) {
	ix := NewIndexer(&IndexerConfig{QueueSize: 2})
	tenantID := uuid.New()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			ix.Publish(newDoc(tenantID, "overflow pressure test line"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with a full queue")
	}
	assert.Equal(t, 50, ix.PendingCount())
}

func TestIndexer_AppliesPublishedDocuments(t *testing.T) {
	ix := NewIndexer(&IndexerConfig{FlushInterval: 10 * time.Millisecond})
	tenantID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix.Start(ctx)

	ix.Publish(newDoc(tenantID, "checkout service panic recovered"))
	ix.Publish(newDoc(tenantID, "payment gateway timeout observed"))

	require.Eventually(t, func() bool {
		return ix.PendingCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	results := ix.Search(tenantID, "panic", 10)
	require.Len(t, results, 1)
	assert.Equal(t, tenantID, results[0].TenantID)
}

func TestIndexer_DrainsOverflowPastQueueCapacity(t *testing.T) {
	ix := NewIndexer(&IndexerConfig{QueueSize: 2, BatchSize: 8})
	tenantID := uuid.New()

	for i := 0; i < 20; i++ {
		ix.Publish(newDoc(tenantID, "session expired token invalid"))
	}
	require.Equal(t, 20, ix.PendingCount())

	for ix.PendingCount() > 0 {
		ix.applyBatch(ix.drainFrom())
	}

	assert.Equal(t, 20, ix.current.Load().docCount(tenantID))
	assert.Equal(t, 0, ix.PendingCount())
}

func TestIndexer_ReportsAgeOnlyWhilePending(t *testing.T) {
	clock := newFakeClock()
	ix := NewIndexer(&IndexerConfig{StalenessSLA: time.Minute}, WithClock(clock.Now))
	tenantID := uuid.New()

	assert.Equal(t, time.Duration(0), ix.IndexAge())
	assert.False(t, ix.Stale())

	ix.Publish(newDoc(tenantID, "disk usage above threshold"))
	clock.Advance(30 * time.Second)
	assert.Equal(t, 30*time.Second, ix.IndexAge())
	assert.False(t, ix.Stale())

	clock.Advance(45 * time.Second)
	assert.True(t, ix.Stale())

	ix.applyBatch(ix.drainFrom())
	assert.Equal(t, time.Duration(0), ix.IndexAge())
	assert.False(t, ix.Stale())
}

func TestIndexer_RebuildSwapsWithoutDroppingSearch(t *testing.T) {
	ix := NewIndexer(nil)
	tenantID := uuid.New()

	stale := newDoc(tenantID, "legacy entry that was deleted upstream")
	ix.applyBatch([]Document{stale})
	require.Len(t, ix.Search(tenantID, "legacy", 10), 1)

	kept := newDoc(tenantID, "fresh entry surviving the rebuild")
	source := &stubSource{docs: []Document{kept}}
	require.NoError(t, ix.Rebuild(context.Background(), source))

	assert.Empty(t, ix.Search(tenantID, "legacy", 10))
	results := ix.Search(tenantID, "fresh", 10)
	require.Len(t, results, 1)
	assert.Equal(t, kept.ChunkID, results[0].ChunkID)
}

func TestIndexer_RebuildPropagatesSourceError(t *testing.T) {
	ix := NewIndexer(nil)
	source := &stubSource{err: assert.AnError}

	err := ix.Rebuild(context.Background(), source)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
