package flags

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

// memoryFlagRepo はWHEREガード付き遷移を模したインメモリ実装
type memoryFlagRepo struct {
	mu       sync.Mutex
	settings map[uuid.UUID]*models.FeatureFlagSettings
	getCalls int
}

func newMemoryFlagRepo() *memoryFlagRepo {
	return &memoryFlagRepo{settings: make(map[uuid.UUID]*models.FeatureFlagSettings)}
}

func (r *memoryFlagRepo) Get(ctx context.Context, tenantID uuid.UUID) (*models.FeatureFlagSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	s, ok := r.settings[tenantID]
	if !ok {
		return nil, ErrSettingsNotFound
	}
	clone := *s
	return &clone, nil
}

func (r *memoryFlagRepo) Upsert(ctx context.Context, settings *models.FeatureFlagSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *settings
	r.settings[settings.TenantID] = &clone
	return nil
}

func (r *memoryFlagRepo) TransitionHybrid(ctx context.Context, tenantID uuid.UUID, to models.HybridStatus, autoDisabledAt *time.Time, from ...models.HybridStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[tenantID]
	if !ok {
		s = models.DefaultFeatureFlags(tenantID)
		r.settings[tenantID] = s
	}
	for _, f := range from {
		if s.HybridStatus == f {
			s.HybridStatus = to
			if autoDisabledAt != nil {
				s.LastAutoDisabledAt = autoDisabledAt
			}
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryFlagRepo) status(tenantID uuid.UUID) models.HybridStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.settings[tenantID]; ok {
		return s.HybridStatus
	}
	return ""
}

func TestService_GetReturnsDefaultsForUnknownTenant(t *testing.T) {
	svc := NewService(newMemoryFlagRepo())

	settings, err := svc.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, settings.CachingEnabled)
	assert.Equal(t, models.HybridStatusEnabled, settings.HybridStatus)
}

func TestService_GetUsesTTLCache(t *testing.T) {
	repo := newMemoryFlagRepo()
	current := time.Now()
	svc := NewService(repo, WithCacheTTL(5*time.Second), WithClock(func() time.Time { return current }))
	ctx := context.Background()
	tenantID := uuid.New()

	_, err := svc.Get(ctx, tenantID)
	require.NoError(t, err)
	_, err = svc.Get(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.getCalls, "second read within TTL must hit the cache")

	// TTL経過後は再読する
	current = current.Add(6 * time.Second)
	_, err = svc.Get(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.getCalls)
}

func TestService_UpdateInvalidatesCache(t *testing.T) {
	repo := newMemoryFlagRepo()
	svc := NewService(repo, WithCacheTTL(time.Hour))
	ctx := context.Background()
	tenantID := uuid.New()

	settings, err := svc.Get(ctx, tenantID)
	require.NoError(t, err)
	assert.True(t, settings.EvictionEnabled)

	updated := *settings
	updated.EvictionEnabled = false
	require.NoError(t, svc.Update(ctx, &updated))

	// 書き込み直後の読み取りはTTL内でも新しい値を返す
	settings, err = svc.Get(ctx, tenantID)
	require.NoError(t, err)
	assert.False(t, settings.EvictionEnabled)
}

func TestService_AutoDisableIsOneWayAndIdempotent(t *testing.T) {
	repo := newMemoryFlagRepo()
	svc := NewService(repo)
	ctx := context.Background()
	tenantID := uuid.New()

	changed, err := svc.AutoDisableHybrid(ctx, tenantID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.HybridStatusDisabledAutoLatency, repo.status(tenantID))

	// 再実行は冪等で状態を変えない
	changed, err = svc.AutoDisableHybrid(ctx, tenantID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.HybridStatusDisabledAutoLatency, repo.status(tenantID))

	// LastAutoDisabledAtが記録される
	settings, err := svc.Get(ctx, tenantID)
	require.NoError(t, err)
	require.NotNil(t, settings.LastAutoDisabledAt)
}

func TestService_AutoDisableDoesNotOverrideManualDisable(t *testing.T) {
	repo := newMemoryFlagRepo()
	svc := NewService(repo)
	ctx := context.Background()
	tenantID := uuid.New()

	require.NoError(t, svc.DisableHybridManual(ctx, tenantID))

	changed, err := svc.AutoDisableHybrid(ctx, tenantID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.HybridStatusDisabledManual, repo.status(tenantID))
}

func TestService_EnableHybridIsTheOnlyExitFromAutoDisable(t *testing.T) {
	repo := newMemoryFlagRepo()
	svc := NewService(repo)
	ctx := context.Background()
	tenantID := uuid.New()

	_, err := svc.AutoDisableHybrid(ctx, tenantID)
	require.NoError(t, err)

	require.NoError(t, svc.EnableHybrid(ctx, tenantID))
	assert.Equal(t, models.HybridStatusEnabled, repo.status(tenantID))

	// 再有効化後に再び自動無効化できる
	changed, err := svc.AutoDisableHybrid(ctx, tenantID)
	require.NoError(t, err)
	assert.True(t, changed)
}
