package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// OpenAI設定（Embeddings用）
	OpenAI OpenAIConfig

	// Embeddingキャッシュ設定
	Cache CacheConfig

	// チャンカー設定
	Chunker ChunkerConfig

	// ハイブリッド検索設定
	Retrieval RetrievalConfig

	// キャッシュEviction設定
	Eviction EvictionConfig

	// ロガー設定
	Logging LoggingConfig
}

// LoggingConfig はロガーの出力設定
type LoggingConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// OpenAIConfig はOpenAI API設定（Embeddings用）
type OpenAIConfig struct {
	APIKey             string
	EmbeddingModel     string
	EmbeddingDimension int
}

// CacheConfig はEmbeddingキャッシュの設定
// 暗号鍵はデータストアの外（環境変数経由）で保持する
type CacheConfig struct {
	EncryptionKey []byte        // AES-256鍵（base64で渡される32バイト）
	HitRateWindow time.Duration // ヒット率の集計ウィンドウ
}

// ChunkerConfig はトークン認識チャンカーの設定
type ChunkerConfig struct {
	ModelBudgets         map[string]int // モデルごとのトークンバジェット
	DefaultBudget        int            // 未設定モデルのフォールバックバジェット
	MaxOverflowRatio     float64        // トレース保持時に許容する超過率
	ScoreOverflowPenalty float64        // 品質スコアのバジェット超過減点
	ScoreMetadataBonus   float64        // 品質スコアの構造保持加点
}

// RetrievalConfig はハイブリッド検索の設定
type RetrievalConfig struct {
	KeywordWeight         float64       // キーワードレグの重み（デフォルト: 0.3）
	VectorWeight          float64       // ベクトルレグの重み（デフォルト: 0.7）
	LegTimeout            time.Duration // レグごとの独立デッドライン
	LatencyWindow         time.Duration // P95スライディングウィンドウ幅
	LatencyMultiplier     float64       // 自動無効化のしきい値（baseline比）
	CitationBudgetBytes   int           // 引用ペイロードのサイズ上限
	CitationMaxSources    int           // 超過時に残す上位ソース数
	KeywordStaleThreshold time.Duration // キーワードインデックスの鮮度SLA
}

// EvictionConfig はキャッシュEvictionのポリシー設定
type EvictionConfig struct {
	MaxAge           time.Duration // hit_count=0 のエントリを削除する経過期間
	HitRateThreshold float64       // ヒット率トリガーのしきい値
	CronSchedule     string        // スケジュールトリガー（cron形式）
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	encryptionKey, err := loadEncryptionKey()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "loglens"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "loglens"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 10),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
		},
		Cache: CacheConfig{
			EncryptionKey: encryptionKey,
			HitRateWindow: getEnvAsDuration("CACHE_HIT_RATE_WINDOW", 15*time.Minute),
		},
		Chunker: ChunkerConfig{
			ModelBudgets:         parseModelBudgets(getEnv("CHUNK_TOKEN_BUDGETS", "")),
			DefaultBudget:        getEnvAsInt("CHUNK_DEFAULT_TOKEN_BUDGET", 800),
			MaxOverflowRatio:     getEnvAsFloat("CHUNK_MAX_OVERFLOW_RATIO", 1.5),
			ScoreOverflowPenalty: getEnvAsFloat("CHUNK_SCORE_OVERFLOW_PENALTY", 0.2),
			ScoreMetadataBonus:   getEnvAsFloat("CHUNK_SCORE_METADATA_BONUS", 0.05),
		},
		Retrieval: RetrievalConfig{
			KeywordWeight:         getEnvAsFloat("RETRIEVAL_KEYWORD_WEIGHT", 0.3),
			VectorWeight:          getEnvAsFloat("RETRIEVAL_VECTOR_WEIGHT", 0.7),
			LegTimeout:            getEnvAsDuration("RETRIEVAL_LEG_TIMEOUT", 800*time.Millisecond),
			LatencyWindow:         getEnvAsDuration("RETRIEVAL_LATENCY_WINDOW", 3*time.Minute),
			LatencyMultiplier:     getEnvAsFloat("RETRIEVAL_LATENCY_MULTIPLIER", 1.5),
			CitationBudgetBytes:   getEnvAsInt("RETRIEVAL_CITATION_BUDGET_BYTES", 8192),
			CitationMaxSources:    getEnvAsInt("RETRIEVAL_CITATION_MAX_SOURCES", 5),
			KeywordStaleThreshold: getEnvAsDuration("RETRIEVAL_KEYWORD_STALE_THRESHOLD", 5*time.Minute),
		},
		Eviction: EvictionConfig{
			MaxAge:           getEnvAsDuration("EVICTION_MAX_AGE", 90*24*time.Hour),
			HitRateThreshold: getEnvAsFloat("EVICTION_HIT_RATE_THRESHOLD", 0.30),
			CronSchedule:     getEnv("EVICTION_CRON_SCHEDULE", "0 3 * * *"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

// loadEncryptionKey はキャッシュ暗号鍵を環境変数から読み込みます
// 未設定の場合はnilを返し、コンテナ組み立て時の鍵長チェックで弾かれる
func loadEncryptionKey() ([]byte, error) {
	raw := os.Getenv("CACHE_ENCRYPTION_KEY")
	if raw == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_ENCRYPTION_KEY format: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CACHE_ENCRYPTION_KEY must be 32 bytes (256 bits), got %d", len(key))
	}
	return key, nil
}

// parseModelBudgets は "model=tokens,model=tokens" 形式の文字列をパースします
// 不正なエントリは無視する（チャンカーはバジェット欠落時にフォールバックする）
func parseModelBudgets(raw string) map[string]int {
	budgets := make(map[string]int)
	if raw == "" {
		return budgets
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		tokens, err := strconv.Atoi(parts[1])
		if err != nil || tokens <= 0 {
			continue
		}
		budgets[parts[0]] = tokens
	}
	return budgets
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数をtime.Durationとして取得します
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
