package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loglens/loglens/internal/core/cache"
	"github.com/loglens/loglens/internal/core/chunker"
	"github.com/loglens/loglens/internal/core/keyword"
	"github.com/loglens/loglens/pkg/models"
)

const (
	// DefaultBatchSLA はセッション1件の取り込みに許容する処理時間
	DefaultBatchSLA = 60 * time.Second
	// DefaultSafetyMargin はSLA手前で打ち切るための余裕幅
	DefaultSafetyMargin = 5 * time.Second
	// DefaultEmbedBatchSize はEmbedding APIへの1回あたりの最大件数
	DefaultEmbedBatchSize = 100
	// DefaultRejectionThreshold はPartial判定となる品質ゲート棄却率
	DefaultRejectionThreshold = 0.5
)

// Status は取り込み結果の完了状態を表します
type Status string

const (
	// StatusCompleted は全チャンクの処理が完了したことを表します
	StatusCompleted Status = "completed"
	// StatusPartial はSLA超過または高棄却率により一部のみ処理されたことを表します
	StatusPartial Status = "partial"
)

// Config は取り込みパイプラインの設定を表します
type Config struct {
	BatchSLA           time.Duration
	SafetyMargin       time.Duration
	EmbedBatchSize     int
	RejectionThreshold float64
}

// DefaultConfig はデフォルトのパイプライン設定を返します
func DefaultConfig() *Config {
	return &Config{
		BatchSLA:           DefaultBatchSLA,
		SafetyMargin:       DefaultSafetyMargin,
		EmbedBatchSize:     DefaultEmbedBatchSize,
		RejectionThreshold: DefaultRejectionThreshold,
	}
}

// Chunker はログ本文をチャンクに分割するインターフェース
type Chunker interface {
	Chunk(ctx context.Context, content string, tenantID uuid.UUID, model string) ([]*chunker.Piece, error)
}

// QualityStore はチャンク品質レコードを永続化するインターフェース
type QualityStore interface {
	Record(ctx context.Context, record *models.ChunkQualityRecord) error
}

// ChunkStore は取り込み済みチャンクを永続化するインターフェース
type ChunkStore interface {
	Insert(ctx context.Context, chunk *models.LogChunk) error
}

// EmbeddingCache はコンテンツハッシュをキーとするEmbeddingキャッシュ
type EmbeddingCache interface {
	Lookup(ctx context.Context, tenantID uuid.UUID, contentHash, model string) ([]float32, error)
	Store(ctx context.Context, params cache.StoreParams) error
}

// Embedder はチャンク本文をバッチでベクトル化するインターフェース
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Publisher は受理済みチャンクをキーワードインデックスへ通知するインターフェース
type Publisher interface {
	Publish(doc keyword.Document)
}

// FlagReader はテナントのフィーチャーフラグを参照するインターフェース
type FlagReader interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*models.FeatureFlagSettings, error)
}

// EvictionNotifier はキャッシュ参照後のヒット率トリガー通知先
type EvictionNotifier interface {
	MaybeTriggerByHitRate(ctx context.Context, tenantID uuid.UUID)
}

// IngestParams はログセッション1件の取り込みパラメータです
type IngestParams struct {
	TenantID  uuid.UUID
	SessionID uuid.UUID
	Model     string
	Content   string

	// PIIScrubbed は上流でのPIIスクラビング完了の確認フラグ
	// falseの場合キャッシュへの書き込みは拒否される（チャンク自体は取り込む）
	PIIScrubbed bool
}

// Result は取り込み1件の処理結果です
type Result struct {
	Status         Status
	ChunksTotal    int
	ChunksAccepted int
	ChunksRejected int
	CacheHits      int
	CacheMisses    int
	Published      int
	Duration       time.Duration
}

// Service はログセッションの取り込みパイプラインです
// チャンク分割 → 品質レコードの永続化 → Embedding解決（キャッシュ参照）→
// チャンクの永続化 → キーワードインデックスへの通知、の順で処理する
// 検索から到達可能なチャンクは必ず永続化済み（write-then-publish）
type Service struct {
	config   *Config
	chunker  Chunker
	quality  QualityStore
	chunks   ChunkStore
	cache    EmbeddingCache
	embedder Embedder
	keywords Publisher

	flags    FlagReader
	eviction EvictionNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option はServiceのオプション設定
type Option func(*Service)

// WithFlagReader はフィーチャーフラグの参照先を設定する
func WithFlagReader(flags FlagReader) Option {
	return func(s *Service) {
		s.flags = flags
	}
}

// WithEvictionNotifier はヒット率トリガーの通知先を設定する
func WithEvictionNotifier(n EvictionNotifier) Option {
	return func(s *Service) {
		s.eviction = n
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService は新しいServiceを作成します
func NewService(config *Config, chunkerSvc Chunker, quality QualityStore, chunks ChunkStore, embeddingCache EmbeddingCache, embedder Embedder, keywords Publisher, opts ...Option) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSLA <= 0 {
		config.BatchSLA = DefaultBatchSLA
	}
	if config.SafetyMargin <= 0 {
		config.SafetyMargin = DefaultSafetyMargin
	}
	if config.EmbedBatchSize <= 0 {
		config.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if config.RejectionThreshold <= 0 {
		config.RejectionThreshold = DefaultRejectionThreshold
	}

	s := &Service{
		config:   config,
		chunker:  chunkerSvc,
		quality:  quality,
		chunks:   chunks,
		cache:    embeddingCache,
		embedder: embedder,
		keywords: keywords,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest はログセッション1件を取り込みます
// SLAの残り時間がSafetyMarginを下回った時点で処理を打ち切り、
// それまでに永続化できたチャンクのみを結果に含めてStatusPartialを返す
func (s *Service) Ingest(ctx context.Context, params IngestParams) (*Result, error) {
	if params.Content == "" {
		return nil, fmt.Errorf("empty content for session %s", params.SessionID)
	}

	start := s.now()
	deadline := start.Add(s.config.BatchSLA - s.config.SafetyMargin)

	cachingEnabled := true
	if s.flags != nil {
		settings, err := s.flags.Get(ctx, params.TenantID)
		if err != nil {
			// フラグ取得失敗時はデフォルト（有効）で続行する
			s.logger.Warn("フィーチャーフラグの取得に失敗", "tenant_id", params.TenantID, "error", err)
		} else {
			cachingEnabled = settings.CachingEnabled
		}
	}

	pieces, err := s.chunker.Chunk(ctx, params.Content, params.TenantID, params.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk session content: %w", err)
	}

	result := &Result{Status: StatusCompleted, ChunksTotal: len(pieces)}

	// 品質レコードは受理・棄却を問わず、チャンクの公開より先に永続化する
	accepted := make([]*chunker.Piece, 0, len(pieces))
	for _, piece := range pieces {
		piece.Record.SessionID = params.SessionID
		if err := s.quality.Record(ctx, piece.Record); err != nil {
			return nil, fmt.Errorf("failed to persist quality record for chunk %s: %w", piece.Record.ChunkID, err)
		}
		if piece.Record.Accepted {
			accepted = append(accepted, piece)
		} else {
			result.ChunksRejected++
		}
	}
	result.ChunksAccepted = len(accepted)

	if result.ChunksTotal > 0 {
		rejectionRate := float64(result.ChunksRejected) / float64(result.ChunksTotal)
		if rejectionRate > s.config.RejectionThreshold {
			result.Status = StatusPartial
			s.logger.Warn("品質ゲートの棄却率がしきい値を超過",
				"tenant_id", params.TenantID,
				"session_id", params.SessionID,
				"rejected", result.ChunksRejected,
				"total", result.ChunksTotal)
		}
	}

	resolved, err := s.resolveEmbeddings(ctx, params, accepted, cachingEnabled, deadline, result)
	if err != nil {
		return nil, err
	}

	for _, rc := range resolved {
		if s.now().After(deadline) {
			result.Status = StatusPartial
			s.logger.Warn("取り込みSLAの残り時間が不足したため打ち切り",
				"tenant_id", params.TenantID,
				"session_id", params.SessionID,
				"published", result.Published)
			break
		}
		if err := s.chunks.Insert(ctx, rc); err != nil {
			return result, fmt.Errorf("failed to persist chunk %s: %w", rc.ChunkID, err)
		}
		s.keywords.Publish(keyword.Document{
			ChunkID:   rc.ChunkID,
			TenantID:  rc.TenantID,
			SessionID: rc.SessionID,
			Content:   rc.Content,
			StartLine: rc.StartLine,
			EndLine:   rc.EndLine,
		})
		result.Published++
	}

	if s.eviction != nil && cachingEnabled {
		s.eviction.MaybeTriggerByHitRate(ctx, params.TenantID)
	}

	result.Duration = s.now().Sub(start)
	s.logger.Info("ログセッションを取り込み",
		"tenant_id", params.TenantID,
		"session_id", params.SessionID,
		"status", result.Status,
		"published", result.Published,
		"cache_hits", result.CacheHits,
		"cache_misses", result.CacheMisses)
	return result, nil
}

// resolveEmbeddings は受理済みチャンクのベクトルをキャッシュ参照と
// バッチEmbeddingで解決します
func (s *Service) resolveEmbeddings(ctx context.Context, params IngestParams, accepted []*chunker.Piece, cachingEnabled bool, deadline time.Time, result *Result) ([]*models.LogChunk, error) {
	resolved := make([]*models.LogChunk, 0, len(accepted))
	var misses []*models.LogChunk

	for _, piece := range accepted {
		row := &models.LogChunk{
			ChunkID:       piece.Record.ChunkID,
			TenantID:      params.TenantID,
			SessionID:     params.SessionID,
			Model:         params.Model,
			Content:       piece.Text,
			ContentSHA256: contentHash(piece.Text),
			StartLine:     piece.StartLine,
			EndLine:       piece.EndLine,
			CreatedAt:     s.now(),
		}

		if cachingEnabled {
			vector, err := s.cache.Lookup(ctx, params.TenantID, row.ContentSHA256, params.Model)
			if err == nil {
				row.Embedding = vector
				result.CacheHits++
				resolved = append(resolved, row)
				continue
			}
			if !errors.Is(err, cache.ErrCacheMiss) {
				return nil, fmt.Errorf("failed to look up embedding cache: %w", err)
			}
		}
		result.CacheMisses++
		misses = append(misses, row)
	}

	for offset := 0; offset < len(misses); offset += s.config.EmbedBatchSize {
		if s.now().After(deadline) {
			result.Status = StatusPartial
			s.logger.Warn("Embedding解決中にSLAの残り時間が不足",
				"tenant_id", params.TenantID,
				"session_id", params.SessionID,
				"remaining", len(misses)-offset)
			return resolved, nil
		}

		end := offset + s.config.EmbedBatchSize
		if end > len(misses) {
			end = len(misses)
		}
		batch := misses[offset:end]

		texts := make([]string, len(batch))
		for i, row := range batch {
			texts[i] = row.Content
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunk batch: %w", err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embedding count mismatch: requested %d, got %d", len(batch), len(vectors))
		}

		for i, row := range batch {
			row.Embedding = vectors[i]
			resolved = append(resolved, row)

			if !cachingEnabled {
				continue
			}
			storeErr := s.cache.Store(ctx, cache.StoreParams{
				TenantID:    params.TenantID,
				ContentHash: row.ContentSHA256,
				Model:       params.Model,
				Vector:      vectors[i],
				PIIScrubbed: params.PIIScrubbed,
			})
			if storeErr != nil {
				// キャッシュ書き込みは取り込みの成否に影響させない
				if errors.Is(storeErr, cache.ErrPolicyViolation) {
					s.logger.Warn("キャッシュ書き込みがポリシー違反で拒否",
						"tenant_id", params.TenantID, "chunk_id", row.ChunkID)
				} else {
					s.logger.Warn("キャッシュ書き込みに失敗",
						"tenant_id", params.TenantID, "chunk_id", row.ChunkID, "error", storeErr)
				}
			}
		}
	}
	return resolved, nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
