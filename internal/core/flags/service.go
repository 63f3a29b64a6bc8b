package flags

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loglens/loglens/pkg/models"
)

// ErrSettingsNotFound はリポジトリ層でフラグ未登録を表します
// サービス層はデフォルトフラグで補完するため、呼び出し元には通常届かない
var ErrSettingsNotFound = errors.New("feature flag settings not found")

// DefaultCacheTTL はフラグ読み取りキャッシュのデフォルトTTL
const DefaultCacheTTL = 5 * time.Second

// Repository は機能フラグの永続化インターフェース
type Repository interface {
	// Get はテナントのフラグを取得する（未登録は ErrSettingsNotFound）
	Get(ctx context.Context, tenantID uuid.UUID) (*models.FeatureFlagSettings, error)

	// Upsert はフラグ一式を挿入または更新する
	Upsert(ctx context.Context, settings *models.FeatureFlagSettings) error

	// TransitionHybrid はハイブリッド状態をfromのいずれかからtoへ遷移させる
	// WHEREガード付きの単一UPDATEで実行し、遷移が起きたかどうかを返す
	TransitionHybrid(ctx context.Context, tenantID uuid.UUID, to models.HybridStatus, autoDisabledAt *time.Time, from ...models.HybridStatus) (bool, error)
}

// Service はテナントごとの機能フラグを短TTLキャッシュ付きで提供します
// ハイブリッド状態の遷移規則はこのサービスに集約される
type Service struct {
	repo   Repository
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[uuid.UUID]cachedSettings
}

type cachedSettings struct {
	settings  *models.FeatureFlagSettings
	fetchedAt time.Time
}

type serviceOptions struct {
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// ServiceOption はServiceのオプション設定
type ServiceOption func(*serviceOptions)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithCacheTTL は読み取りキャッシュのTTLを設定する
func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		o.ttl = ttl
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) ServiceOption {
	return func(o *serviceOptions) {
		o.now = now
	}
}

// NewService は新しいServiceを作成します
func NewService(repo Repository, opts ...ServiceOption) *Service {
	options := serviceOptions{
		logger: slog.Default(),
		ttl:    DefaultCacheTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Service{
		repo:   repo,
		logger: options.logger,
		ttl:    options.ttl,
		now:    options.now,
		cache:  make(map[uuid.UUID]cachedSettings),
	}
}

// Get はテナントのフラグを返します
// TTL内はキャッシュから返し、未登録テナントはデフォルトで補完する
func (s *Service) Get(ctx context.Context, tenantID uuid.UUID) (*models.FeatureFlagSettings, error) {
	s.mu.RLock()
	cached, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok && s.now().Sub(cached.fetchedAt) < s.ttl {
		return cached.settings, nil
	}

	settings, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrSettingsNotFound) {
			settings = models.DefaultFeatureFlags(tenantID)
		} else {
			return nil, fmt.Errorf("failed to get feature flags: %w", err)
		}
	}

	s.mu.Lock()
	s.cache[tenantID] = cachedSettings{settings: settings, fetchedAt: s.now()}
	s.mu.Unlock()

	return settings, nil
}

// Update はフラグ一式を書き込み、読み取りキャッシュを無効化します
func (s *Service) Update(ctx context.Context, settings *models.FeatureFlagSettings) error {
	if !settings.HybridStatus.Valid() {
		return fmt.Errorf("invalid hybrid status: %q", settings.HybridStatus)
	}
	settings.UpdatedAt = s.now()
	if err := s.repo.Upsert(ctx, settings); err != nil {
		return fmt.Errorf("failed to update feature flags: %w", err)
	}
	s.Invalidate(settings.TenantID)
	return nil
}

// EnableHybrid は管理者操作としてハイブリッド検索を再有効化します
// 手動無効・自動無効どちらの状態からも唯一の復帰経路
func (s *Service) EnableHybrid(ctx context.Context, tenantID uuid.UUID) error {
	changed, err := s.repo.TransitionHybrid(ctx, tenantID, models.HybridStatusEnabled, nil,
		models.HybridStatusDisabledManual, models.HybridStatusDisabledAutoLatency)
	if err != nil {
		return fmt.Errorf("failed to enable hybrid retrieval: %w", err)
	}
	s.Invalidate(tenantID)
	if changed {
		s.logger.Info("ハイブリッド検索を再有効化", "tenantID", tenantID)
	}
	return nil
}

// DisableHybridManual は管理者操作としてハイブリッド検索を無効化します
func (s *Service) DisableHybridManual(ctx context.Context, tenantID uuid.UUID) error {
	_, err := s.repo.TransitionHybrid(ctx, tenantID, models.HybridStatusDisabledManual, nil,
		models.HybridStatusEnabled, models.HybridStatusDisabledAutoLatency)
	if err != nil {
		return fmt.Errorf("failed to disable hybrid retrieval: %w", err)
	}
	s.Invalidate(tenantID)
	return nil
}

// AutoDisableHybrid はレイテンシガードレールによる自動無効化を実行します
// enabledからの一方向遷移のみ許可し、既に無効な場合は何もしない（冪等）
// 自動でenabledへ戻る経路は存在しない
func (s *Service) AutoDisableHybrid(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	at := s.now()
	changed, err := s.repo.TransitionHybrid(ctx, tenantID, models.HybridStatusDisabledAutoLatency, &at,
		models.HybridStatusEnabled)
	if err != nil {
		return false, fmt.Errorf("failed to auto-disable hybrid retrieval: %w", err)
	}
	if changed {
		s.Invalidate(tenantID)
		s.logger.Warn("レイテンシ超過によりハイブリッド検索を自動無効化",
			"tenantID", tenantID, "disabledAt", at)
	}
	return changed, nil
}

// Invalidate はテナントの読み取りキャッシュを破棄します
// 管理者による書き込みのたびに呼ばれる
func (s *Service) Invalidate(tenantID uuid.UUID) {
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
}
