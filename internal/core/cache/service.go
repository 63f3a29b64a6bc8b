package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loglens/loglens/pkg/models"
)

var (
	// ErrCacheMiss はキャッシュにエントリが存在しないことを表します
	// ストア障害時もこのエラーを返す（フェイルオープン）
	ErrCacheMiss = errors.New("embedding cache miss")

	// ErrEntryNotFound はリポジトリ層でエントリ未発見を表します
	ErrEntryNotFound = errors.New("cache entry not found")

	// ErrPolicyViolation はPIIスクラビング未確認のままの書き込みを表します
	ErrPolicyViolation = errors.New("cache store rejected: content not confirmed PII-scrubbed")
)

// Repository はEmbeddingキャッシュの永続化インターフェース
type Repository interface {
	// LookupAndTouch はエントリを取得し、同一操作内でhit_countの加算と
	// last_accessed_atの更新をアトミックに行う（並行ヒットでの加算消失を防ぐ）
	// エントリが存在しない場合は ErrEntryNotFound を返す
	LookupAndTouch(ctx context.Context, tenantID uuid.UUID, contentHash, model string) ([]byte, error)

	// Upsert は (tenant, hash, model) をキーとしてエントリを挿入または更新する
	Upsert(ctx context.Context, entry *models.EmbeddingCacheEntry) error
}

// Cipher はベクトルペイロードの暗号化インターフェース
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// ManualReviewQueue はポリシー違反コンテンツの手動レビュー送付先
type ManualReviewQueue interface {
	Submit(ctx context.Context, tenantID uuid.UUID, contentHash, reason string) error
}

// Telemetry はキャッシュ操作のメトリクスを記録するインターフェース
type Telemetry interface {
	RecordCacheLookup(tenantID uuid.UUID, outcome string)
	RecordCacheStore(tenantID uuid.UUID, outcome string)
}

// Service はテナントスコープのEmbeddingキャッシュを提供します
// ペイロードは保存時に暗号化され、鍵はデータストアの外で管理される
type Service struct {
	repo      Repository
	cipher    Cipher
	review    ManualReviewQueue
	telemetry Telemetry
	logger    *slog.Logger
	hitRates  *hitRateTracker
}

type serviceOptions struct {
	review        ManualReviewQueue
	telemetry     Telemetry
	logger        *slog.Logger
	hitRateWindow time.Duration
}

// ServiceOption はServiceのオプション設定
type ServiceOption func(*serviceOptions)

// WithManualReviewQueue はポリシー違反時の送付先を設定する
func WithManualReviewQueue(q ManualReviewQueue) ServiceOption {
	return func(o *serviceOptions) {
		o.review = q
	}
}

// WithTelemetry はメトリクス記録先を設定する
func WithTelemetry(t Telemetry) ServiceOption {
	return func(o *serviceOptions) {
		o.telemetry = t
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithHitRateWindow はヒット率の集計ウィンドウを設定する
func WithHitRateWindow(window time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		o.hitRateWindow = window
	}
}

// NewService は新しいServiceを作成します
func NewService(repo Repository, cipher Cipher, opts ...ServiceOption) *Service {
	options := serviceOptions{
		logger:        slog.Default(),
		hitRateWindow: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Service{
		repo:      repo,
		cipher:    cipher,
		review:    options.review,
		telemetry: options.telemetry,
		logger:    options.logger,
		hitRates:  newHitRateTracker(options.hitRateWindow),
	}
}

// Lookup はキャッシュからベクトルを取得します
// ヒット時はリポジトリ側でhit_countがアトミックに加算される
// ストアが利用不能な場合はミス扱いで返し、取り込みパイプラインを止めない
func (s *Service) Lookup(ctx context.Context, tenantID uuid.UUID, contentHash, model string) ([]float32, error) {
	payload, err := s.repo.LookupAndTouch(ctx, tenantID, contentHash, model)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			s.hitRates.record(tenantID, false)
			s.recordLookup(tenantID, "miss")
			return nil, ErrCacheMiss
		}
		// ストア障害はミスとして扱う（フェイルオープン）
		s.logger.Warn("キャッシュ参照に失敗、ミスとして続行", "tenantID", tenantID, "error", err)
		s.recordLookup(tenantID, "unavailable")
		return nil, ErrCacheMiss
	}

	plaintext, err := s.cipher.Open(payload)
	if err != nil {
		// 復号できないエントリは使用せずミス扱い
		s.logger.Warn("キャッシュペイロードの復号に失敗", "tenantID", tenantID, "error", err)
		s.recordLookup(tenantID, "unavailable")
		return nil, ErrCacheMiss
	}

	vector, err := decodeVector(plaintext)
	if err != nil {
		s.logger.Warn("キャッシュペイロードのデコードに失敗", "tenantID", tenantID, "error", err)
		s.recordLookup(tenantID, "unavailable")
		return nil, ErrCacheMiss
	}

	s.hitRates.record(tenantID, true)
	s.recordLookup(tenantID, "hit")
	return vector, nil
}

// StoreParams はキャッシュ書き込みのパラメータを表します
type StoreParams struct {
	TenantID    uuid.UUID
	ContentHash string
	Model       string
	Vector      []float32
	// PIIScrubbed は上流パイプラインによるPIIスクラビング完了の確認フラグ
	// falseの場合、書き込みはポリシー違反として拒否される
	PIIScrubbed bool
	ExpiresAt   *time.Time
}

// Store はベクトルを暗号化してキャッシュに書き込みます
// PIIスクラビング未確認の場合はErrPolicyViolationを返し、
// 対象コンテンツを手動レビューへ送付する
func (s *Service) Store(ctx context.Context, params StoreParams) error {
	if !params.PIIScrubbed {
		s.recordStore(params.TenantID, "policy_violation")
		if s.review != nil {
			if err := s.review.Submit(ctx, params.TenantID, params.ContentHash, "missing PII scrubbing confirmation"); err != nil {
				s.logger.Error("手動レビューへの送付に失敗", "tenantID", params.TenantID, "error", err)
			}
		}
		return ErrPolicyViolation
	}

	if len(params.Vector) == 0 {
		return fmt.Errorf("empty vector for key (%s, %s, %s)", params.TenantID, params.ContentHash, params.Model)
	}

	sealed, err := s.cipher.Seal(encodeVector(params.Vector))
	if err != nil {
		s.recordStore(params.TenantID, "error")
		return fmt.Errorf("failed to encrypt vector payload: %w", err)
	}

	now := time.Now()
	entry := &models.EmbeddingCacheEntry{
		TenantID:       params.TenantID,
		ContentSHA256:  params.ContentHash,
		Model:          params.Model,
		Payload:        sealed,
		LastAccessedAt: now,
		CreatedAt:      now,
		ExpiresAt:      params.ExpiresAt,
	}

	// Upsert失敗はリトライ可能なエラーとして呼び出し元へ返す
	// 既存エントリはユニーク制約とアトミックなUpsertにより壊れない
	if err := s.repo.Upsert(ctx, entry); err != nil {
		s.recordStore(params.TenantID, "error")
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	s.recordStore(params.TenantID, "stored")
	return nil
}

// HitRate はテナントのローリングキャッシュヒット率を返します
// Evictionのヒット率トリガー判定に使用される
func (s *Service) HitRate(tenantID uuid.UUID) float64 {
	return s.hitRates.rate(tenantID)
}

func (s *Service) recordLookup(tenantID uuid.UUID, outcome string) {
	if s.telemetry != nil {
		s.telemetry.RecordCacheLookup(tenantID, outcome)
	}
}

func (s *Service) recordStore(tenantID uuid.UUID, outcome string) {
	if s.telemetry != nil {
		s.telemetry.RecordCacheStore(tenantID, outcome)
	}
}
