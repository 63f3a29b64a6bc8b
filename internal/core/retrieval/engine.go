package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loglens/loglens/internal/core/keyword"
	"github.com/loglens/loglens/pkg/models"
)

// ErrHybridDisabled はハイブリッド検索が無効化されているテナントへの
// 検索要求に対して返されます
var ErrHybridDisabled = errors.New("hybrid retrieval is disabled")

const (
	// DefaultLegTimeout はレグごとの独立デッドライン
	DefaultLegTimeout = 800 * time.Millisecond
	// DefaultCitationBudgetBytes は引用ペイロードのサイズ上限
	DefaultCitationBudgetBytes = 8192
	// DefaultCitationMaxSources は引用として返す上位ソース数の上限
	DefaultCitationMaxSources = 5
	// DefaultResultLimit は件数未指定時の返却上限
	DefaultResultLimit = 10

	// 各引用プレビューの最大バイト数
	citationPreviewBytes = 512
	// 融合プールはリクエスト件数より広めに取る
	candidateMultiplier = 3
)

// Config はハイブリッド検索エンジンの設定を表します
type Config struct {
	KeywordWeight         float64
	VectorWeight          float64
	LegTimeout            time.Duration
	LatencyWindow         time.Duration
	LatencyMultiplier     float64
	CitationBudgetBytes   int
	CitationMaxSources    int
	KeywordStaleThreshold time.Duration
}

// DefaultConfig はデフォルトのエンジン設定を返します
func DefaultConfig() *Config {
	return &Config{
		KeywordWeight:         0.3,
		VectorWeight:          0.7,
		LegTimeout:            DefaultLegTimeout,
		LatencyWindow:         DefaultLatencyWindow,
		LatencyMultiplier:     DefaultLatencyMultiplier,
		CitationBudgetBytes:   DefaultCitationBudgetBytes,
		CitationMaxSources:    DefaultCitationMaxSources,
		KeywordStaleThreshold: keyword.DefaultStalenessSLA,
	}
}

// Embedder はクエリテキストをベクトル化するインターフェース
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ChunkHit はベクトル検索レグの1件の結果です
type ChunkHit struct {
	ChunkID    uuid.UUID
	SessionID  uuid.UUID
	Content    string
	StartLine  int
	EndLine    int
	Similarity float64
}

// VectorSearcher はベクトル類似検索を提供するインターフェース
type VectorSearcher interface {
	SearchSimilar(ctx context.Context, tenantID uuid.UUID, embedding []float32, limit int) ([]ChunkHit, error)
}

// KeywordSearcher はキーワード（BM25）検索を提供するインターフェース
type KeywordSearcher interface {
	Search(tenantID uuid.UUID, query string, limit int) []keyword.ScoredDocument
	IndexAge() time.Duration
}

// FlagGate はテナントのハイブリッド検索フラグを参照・遷移させるインターフェース
type FlagGate interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*models.FeatureFlagSettings, error)
	AutoDisableHybrid(ctx context.Context, tenantID uuid.UUID) (bool, error)
}

// AuditWriter は検索ごとの監査レコードを永続化するインターフェース
type AuditWriter interface {
	Append(ctx context.Context, audit *models.HybridRetrievalAudit) error
}

// Telemetry は検索のメトリクスを記録するインターフェース
type Telemetry interface {
	RecordRetrievalLeg(tenantID uuid.UUID, leg string, d time.Duration)
	RecordRetrieval(tenantID uuid.UUID, outcome string)
	RecordAutoDisable(tenantID uuid.UUID)
}

// SearchParams は検索リクエストのパラメータです
type SearchParams struct {
	TenantID uuid.UUID
	Query    string
	Limit    int

	// VectorWeight / KeywordWeight は両方正の場合のみ
	// テナント設定の重みをこのリクエストに限り上書きする
	VectorWeight  float64
	KeywordWeight float64
}

func (p SearchParams) weights(config *Config) (vw, kw float64) {
	if p.VectorWeight > 0 && p.KeywordWeight > 0 {
		return p.VectorWeight, p.KeywordWeight
	}
	return config.VectorWeight, config.KeywordWeight
}

// RankedChunk は融合スコア付きの検索結果1件です
type RankedChunk struct {
	ChunkID      uuid.UUID
	SessionID    uuid.UUID
	Content      string
	StartLine    int
	EndLine      int
	Score        float64
	VectorScore  float64
	KeywordScore float64
}

// Result はハイブリッド検索の結果を表します
type Result struct {
	QueryID   uuid.UUID
	Chunks    []RankedChunk
	Citations []models.CitationMetadata

	// TruncatedSources は引用バジェット超過により一部ソースを
	// 落としたことを示す
	TruncatedSources bool

	// Degraded はキーワードレグが鮮度SLA超過またはデッドライン超過で
	// ベクトルのみの結果へフォールバックしたことを示す
	Degraded bool

	// AutoDisabled はこの検索を契機にハイブリッド検索が
	// 自動無効化されたことを示す
	AutoDisabled bool
}

// Engine はベクトル検索とキーワード検索を融合するハイブリッド検索エンジンです
// 両レグは独立したデッドラインで並行実行され、キーワードレグの失敗は
// 検索全体を失敗させない
type Engine struct {
	config   *Config
	embedder Embedder
	vectors  VectorSearcher
	keywords KeywordSearcher
	flags    FlagGate
	governor *Governor

	audits    AuditWriter
	telemetry Telemetry
	logger    *slog.Logger
	now       func() time.Time
}

// Option はEngineのオプション設定
type Option func(*Engine)

// WithAuditWriter は監査レコードの書き込み先を設定する
func WithAuditWriter(w AuditWriter) Option {
	return func(e *Engine) {
		e.audits = w
	}
}

// WithTelemetry はメトリクス記録先を設定する
func WithTelemetry(t Telemetry) Option {
	return func(e *Engine) {
		e.telemetry = t
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
		e.governor.SetClock(now)
	}
}

// NewEngine は新しいEngineを作成します
func NewEngine(config *Config, embedder Embedder, vectors VectorSearcher, keywords KeywordSearcher, flags FlagGate, opts ...Option) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.KeywordWeight <= 0 && config.VectorWeight <= 0 {
		config.KeywordWeight = 0.3
		config.VectorWeight = 0.7
	}
	if config.LegTimeout <= 0 {
		config.LegTimeout = DefaultLegTimeout
	}
	if config.CitationBudgetBytes <= 0 {
		config.CitationBudgetBytes = DefaultCitationBudgetBytes
	}
	if config.CitationMaxSources <= 0 {
		config.CitationMaxSources = DefaultCitationMaxSources
	}
	if config.KeywordStaleThreshold <= 0 {
		config.KeywordStaleThreshold = keyword.DefaultStalenessSLA
	}

	e := &Engine{
		config:   config,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		flags:    flags,
		governor: NewGovernor(config.LatencyWindow, config.LatencyMultiplier),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LatencySnapshot はテナントの現在のレイテンシ状態を返します
func (e *Engine) LatencySnapshot(tenantID uuid.UUID) LatencySnapshot {
	return e.governor.Snapshot(tenantID)
}

// Search はハイブリッド検索を実行します
// テナントのフラグが無効状態の場合はErrHybridDisabledを返す
func (e *Engine) Search(ctx context.Context, params SearchParams) (*Result, error) {
	settings, err := e.flags.Get(ctx, params.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load feature flags: %w", err)
	}
	if settings.HybridStatus.Disabled() {
		e.recordRetrieval(params.TenantID, "rejected")
		return nil, fmt.Errorf("%w: tenant=%s status=%s", ErrHybridDisabled, params.TenantID, settings.HybridStatus)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = DefaultResultLimit
	}
	poolSize := limit * candidateMultiplier

	start := e.now()

	var (
		vectorHits  []ChunkHit
		vectorDur   time.Duration
		vectorLost  bool
		keywordHits []keyword.ScoredDocument
		keywordDur  time.Duration
		keywordLost bool
	)

	// 片方のレグの失敗で全体を失敗させないため、エラーは各レグ内で吸収する
	var eg errgroup.Group
	eg.Go(func() error {
		legCtx, cancel := context.WithTimeout(ctx, e.config.LegTimeout)
		defer cancel()

		legStart := e.now()
		hits, err := e.searchVector(legCtx, params.TenantID, params.Query, poolSize)
		if err != nil {
			vectorLost = true
			e.logger.Warn("ベクトルレグが失敗",
				"tenant_id", params.TenantID,
				"error", err)
		} else {
			vectorHits = hits
		}
		vectorDur = e.now().Sub(legStart)
		e.recordLeg(params.TenantID, "vector", vectorDur)
		return nil
	})
	eg.Go(func() error {
		legCtx, cancel := context.WithTimeout(ctx, e.config.LegTimeout)
		defer cancel()

		legStart := e.now()
		done := make(chan []keyword.ScoredDocument, 1)
		go func() {
			done <- e.keywords.Search(params.TenantID, params.Query, poolSize)
		}()
		select {
		case hits := <-done:
			keywordHits = hits
		case <-legCtx.Done():
			keywordLost = true
			e.logger.Warn("キーワードレグがデッドラインを超過",
				"tenant_id", params.TenantID,
				"timeout", e.config.LegTimeout)
		}
		keywordDur = e.now().Sub(legStart)
		e.recordLeg(params.TenantID, "keyword", keywordDur)
		return nil
	})
	_ = eg.Wait()

	if vectorLost && keywordLost {
		e.recordRetrieval(params.TenantID, "error")
		return nil, fmt.Errorf("all retrieval legs failed: tenant=%s", params.TenantID)
	}

	// 鮮度SLAを超過したインデックスの結果は採用せず、ベクトルのみへ落とす
	stale := e.keywords.IndexAge() > e.config.KeywordStaleThreshold
	if stale {
		keywordHits = nil
		e.logger.Warn("キーワードインデックスが鮮度SLAを超過",
			"tenant_id", params.TenantID,
			"index_age", e.keywords.IndexAge(),
			"threshold", e.config.KeywordStaleThreshold)
	}
	degraded := vectorLost || keywordLost || stale

	vectorWeight, keywordWeight := params.weights(e.config)
	chunks := fuse(vectorHits, keywordHits, vectorWeight, keywordWeight)
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}

	citations, truncated := buildCitations(chunks, e.config.CitationBudgetBytes, e.config.CitationMaxSources)

	total := e.now().Sub(start)
	autoDisabled := false
	if e.governor.Observe(params.TenantID, total) {
		transitioned, err := e.flags.AutoDisableHybrid(ctx, params.TenantID)
		if err != nil {
			e.logger.Error("ハイブリッド検索の自動無効化に失敗", "tenant_id", params.TenantID, "error", err)
		} else if transitioned {
			autoDisabled = true
			if e.telemetry != nil {
				e.telemetry.RecordAutoDisable(params.TenantID)
			}
		}
	}

	result := &Result{
		QueryID:          uuid.New(),
		Chunks:           chunks,
		Citations:        citations,
		TruncatedSources: truncated,
		Degraded:         degraded,
		AutoDisabled:     autoDisabled,
	}

	e.appendAudit(ctx, params.TenantID, result, vectorDur, keywordDur, total)

	outcome := "ok"
	if degraded {
		outcome = "degraded"
	}
	e.recordRetrieval(params.TenantID, outcome)
	return result, nil
}

func (e *Engine) searchVector(ctx context.Context, tenantID uuid.UUID, query string, poolSize int) ([]ChunkHit, error) {
	embedding, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	hits, err := e.vectors.SearchSimilar(ctx, tenantID, embedding, poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	return hits, nil
}

func (e *Engine) appendAudit(ctx context.Context, tenantID uuid.UUID, result *Result, vectorDur, keywordDur, total time.Duration) {
	if e.audits == nil {
		return
	}
	audit := &models.HybridRetrievalAudit{
		TenantID:          tenantID,
		QueryID:           result.QueryID,
		VectorLatencyMS:   vectorDur.Milliseconds(),
		BM25LatencyMS:     keywordDur.Milliseconds(),
		CombinedLatencyMS: total.Milliseconds(),
		ResultCount:       len(result.Chunks),
		CitationsReturned: len(result.Citations),
		Degraded:          result.Degraded,
		AutoDisabled:      result.AutoDisabled,
		CreatedAt:         e.now(),
	}
	if err := e.audits.Append(ctx, audit); err != nil {
		// 監査の失敗は検索結果の返却を妨げない
		e.logger.Warn("監査レコードの書き込みに失敗", "tenant_id", tenantID, "query_id", result.QueryID, "error", err)
	}
}

func (e *Engine) recordLeg(tenantID uuid.UUID, leg string, d time.Duration) {
	if e.telemetry != nil {
		e.telemetry.RecordRetrievalLeg(tenantID, leg, d)
	}
}

func (e *Engine) recordRetrieval(tenantID uuid.UUID, outcome string) {
	if e.telemetry != nil {
		e.telemetry.RecordRetrieval(tenantID, outcome)
	}
}
