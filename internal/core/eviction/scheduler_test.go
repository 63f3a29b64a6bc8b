package eviction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loglens/loglens/pkg/models"
)

// contendedStore はアドバイザリロックの競合を模したインメモリ実装
// 最初の呼び出しだけがロックを取得し、保持中の呼び出しは即座に拒否される
type contendedStore struct {
	mu        sync.Mutex
	locked    map[uuid.UUID]bool
	evictable int64
	completed int
	denied    int
	holdFor   time.Duration
}

func newContendedStore(evictable int64) *contendedStore {
	return &contendedStore{locked: make(map[uuid.UUID]bool), evictable: evictable}
}

func (s *contendedStore) EvictColdEntries(ctx context.Context, tenantID uuid.UUID, olderThan time.Time) (int64, bool, error) {
	s.mu.Lock()
	if s.locked[tenantID] {
		s.denied++
		s.mu.Unlock()
		return 0, false, nil
	}
	s.locked[tenantID] = true
	s.mu.Unlock()

	if s.holdFor > 0 {
		time.Sleep(s.holdFor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := s.evictable
	s.evictable = 0
	s.completed++
	s.locked[tenantID] = false
	return evicted, true, nil
}

type stubFlags struct {
	evictionEnabled bool
}

func (f *stubFlags) Get(ctx context.Context, tenantID uuid.UUID) (*models.FeatureFlagSettings, error) {
	settings := models.DefaultFeatureFlags(tenantID)
	settings.EvictionEnabled = f.evictionEnabled
	return settings, nil
}

type stubHitRates struct {
	rate float64
}

func (h *stubHitRates) HitRate(tenantID uuid.UUID) float64 {
	return h.rate
}

func TestRunOnce_CompletedPass(t *testing.T) {
	store := newContendedStore(42)
	s := NewScheduler(store, &stubFlags{evictionEnabled: true}, nil, DefaultPolicy())

	result, err := s.RunOnce(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, int64(42), result.Evicted)
}

func TestRunOnce_SkipsWhenDisabled(t *testing.T) {
	store := newContendedStore(10)
	s := NewScheduler(store, &stubFlags{evictionEnabled: false}, nil, DefaultPolicy())

	result, err := s.RunOnce(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDisabled, result.Outcome)
	assert.Equal(t, 0, store.completed, "disabled tenant must not reach the store")
}

func TestRunOnce_MaxAgeOverride(t *testing.T) {
	var gotOlderThan time.Time
	store := &olderThanCapture{inner: newContendedStore(0), captured: &gotOlderThan}
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(store, &stubFlags{evictionEnabled: true}, nil, DefaultPolicy(),
		WithClock(func() time.Time { return now }))

	_, err := s.RunOnce(context.Background(), uuid.New(), WithMaxAgeOverride(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), gotOlderThan)
}

type olderThanCapture struct {
	inner    *contendedStore
	captured *time.Time
}

func (s *olderThanCapture) EvictColdEntries(ctx context.Context, tenantID uuid.UUID, olderThan time.Time) (int64, bool, error) {
	*s.captured = olderThan
	return s.inner.EvictColdEntries(ctx, tenantID, olderThan)
}

func TestRunOnce_SimultaneousInvocationsOneWins(t *testing.T) {
	store := newContendedStore(100)
	store.holdFor = 50 * time.Millisecond
	s := NewScheduler(store, &stubFlags{evictionEnabled: true}, nil, DefaultPolicy())

	tenantID := uuid.New()
	results := make(chan *Result, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			result, err := s.RunOnce(context.Background(), tenantID)
			assert.NoError(t, err)
			results <- result
		}()
	}
	wg.Wait()
	close(results)

	var completed, denied int
	var totalEvicted int64
	for r := range results {
		switch r.Outcome {
		case OutcomeCompleted:
			completed++
			totalEvicted += r.Evicted
		case OutcomeLockDenied:
			denied++
			assert.Equal(t, int64(0), r.Evicted, "denied run must not delete rows")
		}
	}

	// 同時起動2件のうち、ちょうど1件が削除パスを完了する
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, denied)
	assert.Equal(t, int64(100), totalEvicted)
}

func TestMaybeTriggerByHitRate_FiresAtThreshold(t *testing.T) {
	store := newContendedStore(5)
	s := NewScheduler(store, &stubFlags{evictionEnabled: true}, &stubHitRates{rate: 0.35}, DefaultPolicy())

	s.MaybeTriggerByHitRate(context.Background(), uuid.New())

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.completed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMaybeTriggerByHitRate_BelowThresholdDoesNothing(t *testing.T) {
	store := newContendedStore(5)
	s := NewScheduler(store, &stubFlags{evictionEnabled: true}, &stubHitRates{rate: 0.1}, DefaultPolicy())

	s.MaybeTriggerByHitRate(context.Background(), uuid.New())

	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 0, store.completed)
}
