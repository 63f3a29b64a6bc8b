package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loglens/loglens/internal/core/cache"
	"github.com/loglens/loglens/internal/core/chunker"
	"github.com/loglens/loglens/internal/core/eviction"
	"github.com/loglens/loglens/internal/core/flags"
	"github.com/loglens/loglens/internal/core/ingestion"
	"github.com/loglens/loglens/internal/core/keyword"
	"github.com/loglens/loglens/internal/core/retrieval"
	"github.com/loglens/loglens/internal/infra/openai"
	"github.com/loglens/loglens/internal/infra/postgres"
	"github.com/loglens/loglens/internal/platform/crypto"
	"github.com/loglens/loglens/internal/platform/telemetry"
	"github.com/loglens/loglens/pkg/config"
	"github.com/loglens/loglens/pkg/db"
)

// Container はアプリケーションの依存関係一式を保持します
// 組み立てはここに集約し、コマンド層は完成済みのサービスだけを使う
type Container struct {
	Config    *config.Config
	Logger    *slog.Logger
	Database  *db.DB
	Telemetry *telemetry.Collector

	Flags     *flags.Service
	Cache     *cache.Service
	Chunker   *chunker.TokenAwareChunker
	Keyword   *keyword.Indexer
	Eviction  *eviction.Scheduler
	Ingestion *ingestion.Service
	Retrieval *retrieval.Engine

	ChunkRepo   *postgres.ChunkRepository
	QualityRepo *postgres.QualityRepository
	AuditRepo   *postgres.AuditRepository
}

// EmbedderClient は取り込みと検索の両方で使うEmbedding実装
type EmbedderClient interface {
	ingestion.Embedder
	retrieval.Embedder
}

type containerOptions struct {
	logger   *slog.Logger
	embedder EmbedderClient
}

// Option はContainer構築時のオプション
type Option func(*containerOptions)

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithEmbedder はカスタムEmbedderを注入する（テスト用）
func WithEmbedder(e EmbedderClient) Option {
	return func(o *containerOptions) {
		o.embedder = e
	}
}

// New は設定からコンテナを組み立てます
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Container, error) {
	options := containerOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger

	database, err := db.New(ctx, db.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	collector := telemetry.NewCollector()

	cipher, err := crypto.NewAESGCM(cfg.Cache.EncryptionKey)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize cache cipher: %w", err)
	}

	embedder := options.embedder
	if embedder == nil {
		e, err := openai.NewEmbedder(cfg.OpenAI.APIKey,
			openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
			openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
		)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		md := e.Metadata()
		logger.Debug("Embedderを初期化", "model", md.Model, "dimension", md.Dimension)
		embedder = e
	}

	pool := database.Pool
	cacheRepo := postgres.NewCacheRepository(pool)
	reviewRepo := postgres.NewReviewRepository(pool)
	flagRepo := postgres.NewFlagRepository(pool)
	chunkRepo := postgres.NewChunkRepository(pool)
	qualityRepo := postgres.NewQualityRepository(pool)
	auditRepo := postgres.NewAuditRepository(pool)

	flagSvc := flags.NewService(flagRepo, flags.WithLogger(logger))

	cacheSvc := cache.NewService(cacheRepo, cipher,
		cache.WithManualReviewQueue(reviewRepo),
		cache.WithTelemetry(collector),
		cache.WithLogger(logger),
		cache.WithHitRateWindow(cfg.Cache.HitRateWindow),
	)

	chunkerSvc := chunker.New(&chunker.Config{
		ModelBudgets:         cfg.Chunker.ModelBudgets,
		DefaultBudget:        cfg.Chunker.DefaultBudget,
		MaxOverflowRatio:     cfg.Chunker.MaxOverflowRatio,
		ScoreOverflowPenalty: cfg.Chunker.ScoreOverflowPenalty,
		ScoreMetadataBonus:   cfg.Chunker.ScoreMetadataBonus,
	},
		chunker.WithTelemetry(collector),
		chunker.WithLogger(logger),
	)

	keywordConfig := keyword.DefaultIndexerConfig()
	keywordConfig.StalenessSLA = cfg.Retrieval.KeywordStaleThreshold
	keywordIx := keyword.NewIndexer(keywordConfig,
		keyword.WithLogger(logger),
		keyword.WithTelemetry(collector),
	)

	evictionSched := eviction.NewScheduler(cacheRepo, flagSvc, cacheSvc,
		eviction.Policy{
			MaxAge:           cfg.Eviction.MaxAge,
			HitRateThreshold: cfg.Eviction.HitRateThreshold,
			CronSchedule:     cfg.Eviction.CronSchedule,
		},
		eviction.WithLogger(logger),
		eviction.WithTelemetry(collector),
	)

	ingestSvc := ingestion.NewService(ingestion.DefaultConfig(),
		chunkerSvc, qualityRepo, chunkRepo, cacheSvc, embedder, keywordIx,
		ingestion.WithFlagReader(flagSvc),
		ingestion.WithEvictionNotifier(evictionSched),
		ingestion.WithLogger(logger),
	)

	engine := retrieval.NewEngine(&retrieval.Config{
		KeywordWeight:         cfg.Retrieval.KeywordWeight,
		VectorWeight:          cfg.Retrieval.VectorWeight,
		LegTimeout:            cfg.Retrieval.LegTimeout,
		LatencyWindow:         cfg.Retrieval.LatencyWindow,
		LatencyMultiplier:     cfg.Retrieval.LatencyMultiplier,
		CitationBudgetBytes:   cfg.Retrieval.CitationBudgetBytes,
		CitationMaxSources:    cfg.Retrieval.CitationMaxSources,
		KeywordStaleThreshold: cfg.Retrieval.KeywordStaleThreshold,
	},
		embedder, chunkRepo, keywordIx, flagSvc,
		retrieval.WithAuditWriter(auditRepo),
		retrieval.WithTelemetry(collector),
		retrieval.WithLogger(logger),
	)

	return &Container{
		Config:      cfg,
		Logger:      logger,
		Database:    database,
		Telemetry:   collector,
		Flags:       flagSvc,
		Cache:       cacheSvc,
		Chunker:     chunkerSvc,
		Keyword:     keywordIx,
		Eviction:    evictionSched,
		Ingestion:   ingestSvc,
		Retrieval:   engine,
		ChunkRepo:   chunkRepo,
		QualityRepo: qualityRepo,
		AuditRepo:   auditRepo,
	}, nil
}

// StartKeywordIndexer は永続化済みチャンクからキーワードインデックスを
// 再構築し、バックグラウンドの反映ワーカーを起動します
func (c *Container) StartKeywordIndexer(ctx context.Context) error {
	if err := c.Keyword.Rebuild(ctx, c.ChunkRepo); err != nil {
		return fmt.Errorf("failed to rebuild keyword index: %w", err)
	}
	c.Keyword.Start(ctx)
	return nil
}

// Close はコンテナが保持するリソースを解放します
func (c *Container) Close() {
	if c.Database != nil {
		c.Database.Close()
	}
}
