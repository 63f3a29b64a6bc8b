package cache

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loglens/loglens/internal/platform/crypto"
	"github.com/loglens/loglens/pkg/models"
)

type cacheKey struct {
	tenantID uuid.UUID
	hash     string
	model    string
}

// memoryRepo はユニークキー制約とアトミックなhit_count加算を模したインメモリ実装
type memoryRepo struct {
	mu      sync.Mutex
	entries map[cacheKey]*models.EmbeddingCacheEntry
	failing bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{entries: make(map[cacheKey]*models.EmbeddingCacheEntry)}
}

func (r *memoryRepo) LookupAndTouch(ctx context.Context, tenantID uuid.UUID, contentHash, model string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return nil, errors.New("connection refused")
	}
	entry, ok := r.entries[cacheKey{tenantID, contentHash, model}]
	if !ok {
		return nil, ErrEntryNotFound
	}
	entry.HitCount++
	return entry.Payload, nil
}

func (r *memoryRepo) Upsert(ctx context.Context, entry *models.EmbeddingCacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("connection refused")
	}
	key := cacheKey{entry.TenantID, entry.ContentSHA256, entry.Model}
	if existing, ok := r.entries[key]; ok {
		existing.Payload = entry.Payload
		existing.ExpiresAt = entry.ExpiresAt
		return nil
	}
	clone := *entry
	r.entries[key] = &clone
	return nil
}

func (r *memoryRepo) hitCount(tenantID uuid.UUID, hash, model string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[cacheKey{tenantID, hash, model}]
	if !ok {
		return 0
	}
	return entry.HitCount
}

type reviewSubmission struct {
	tenantID uuid.UUID
	hash     string
	reason   string
}

type stubReviewQueue struct {
	mu          sync.Mutex
	submissions []reviewSubmission
}

func (q *stubReviewQueue) Submit(ctx context.Context, tenantID uuid.UUID, contentHash, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submissions = append(q.submissions, reviewSubmission{tenantID, contentHash, reason})
	return nil
}

func newTestCipher(t *testing.T) *crypto.AESGCM {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cipher, err := crypto.NewAESGCM(key)
	require.NoError(t, err)
	return cipher
}

func TestService_StoreThenLookupRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, newTestCipher(t))
	ctx := context.Background()

	tenantID := uuid.New()
	vector := []float32{0.1, -2.5, 3.75, 0}

	err := svc.Store(ctx, StoreParams{
		TenantID:    tenantID,
		ContentHash: "abc123",
		Model:       "text-embedding-3-small",
		Vector:      vector,
		PIIScrubbed: true,
	})
	require.NoError(t, err)

	got, err := svc.Lookup(ctx, tenantID, "abc123", "text-embedding-3-small")
	require.NoError(t, err)
	assert.Equal(t, vector, got)

	// 保存ペイロードは平文ベクトルを含まない（暗号化されている）
	raw, err := repo.LookupAndTouch(ctx, tenantID, "abc123", "text-embedding-3-small")
	require.NoError(t, err)
	assert.NotEqual(t, encodeVector(vector), raw)
}

func TestService_LookupMiss(t *testing.T) {
	svc := NewService(newMemoryRepo(), newTestCipher(t))

	_, err := svc.Lookup(context.Background(), uuid.New(), "nohash", "model")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestService_ConcurrentLookupsIncrementExactlyOnce(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, newTestCipher(t))
	ctx := context.Background()

	tenantID := uuid.New()
	require.NoError(t, svc.Store(ctx, StoreParams{
		TenantID:    tenantID,
		ContentHash: "hot-key",
		Model:       "m",
		Vector:      []float32{1, 2, 3},
		PIIScrubbed: true,
	}))

	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.Lookup(ctx, tenantID, "hot-key", "m")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// 並行ヒットN回でhit_countがちょうどN（加算消失なし）
	assert.Equal(t, int64(n), repo.hitCount(tenantID, "hot-key", "m"))
}

func TestService_StoreWithoutPIIConfirmationIsPolicyViolation(t *testing.T) {
	repo := newMemoryRepo()
	review := &stubReviewQueue{}
	svc := NewService(repo, newTestCipher(t), WithManualReviewQueue(review))
	ctx := context.Background()

	tenantID := uuid.New()
	err := svc.Store(ctx, StoreParams{
		TenantID:    tenantID,
		ContentHash: "sensitive",
		Model:       "m",
		Vector:      []float32{1},
		PIIScrubbed: false,
	})
	assert.ErrorIs(t, err, ErrPolicyViolation)

	// 書き込みは行われず、手動レビューへ送付される
	_, err = svc.Lookup(ctx, tenantID, "sensitive", "m")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.Len(t, review.submissions, 1)
	assert.Equal(t, "sensitive", review.submissions[0].hash)
}

func TestService_LookupFailsOpenWhenStoreUnavailable(t *testing.T) {
	repo := newMemoryRepo()
	repo.failing = true
	svc := NewService(repo, newTestCipher(t))

	// ストア障害はエラーではなくミスとして扱う
	_, err := svc.Lookup(context.Background(), uuid.New(), "any", "m")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestService_StoreFailureIsRetriable(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, newTestCipher(t))
	ctx := context.Background()

	params := StoreParams{
		TenantID:    uuid.New(),
		ContentHash: "k",
		Model:       "m",
		Vector:      []float32{1, 2},
		PIIScrubbed: true,
	}

	repo.failing = true
	err := svc.Store(ctx, params)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPolicyViolation)

	// 障害回復後に同じ呼び出しが成功する
	repo.failing = false
	require.NoError(t, svc.Store(ctx, params))

	got, err := svc.Lookup(ctx, params.TenantID, "k", "m")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)
}

func TestService_HitRateTracksLookups(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, newTestCipher(t))
	ctx := context.Background()

	tenantID := uuid.New()
	require.NoError(t, svc.Store(ctx, StoreParams{
		TenantID:    tenantID,
		ContentHash: "k",
		Model:       "m",
		Vector:      []float32{1},
		PIIScrubbed: true,
	}))

	// ヒット3回、ミス1回
	for i := 0; i < 3; i++ {
		_, err := svc.Lookup(ctx, tenantID, "k", "m")
		require.NoError(t, err)
	}
	_, _ = svc.Lookup(ctx, tenantID, "other", "m")

	assert.InDelta(t, 0.75, svc.HitRate(tenantID), 0.001)
	assert.Equal(t, 0.0, svc.HitRate(uuid.New()))
}
