package chunker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/loglens/loglens/pkg/models"
)

const (
	// DefaultTokenBudget はモデル未設定時のフォールバックバジェット
	DefaultTokenBudget = 800
	// DefaultMaxOverflowRatio はトレース保持時に警告なしで許容する超過率
	DefaultMaxOverflowRatio = 1.5
	// DefaultScoreOverflowPenalty はバジェット超過1.0単位あたりの品質スコア減点
	DefaultScoreOverflowPenalty = 0.2
	// DefaultScoreMetadataBonus は構造保持に対する品質スコア加点
	DefaultScoreMetadataBonus = 0.05
	// fallbackCharsPerToken はトークナイザ不在時の1トークンあたり文字数
	fallbackCharsPerToken = 4
)

// Config はTokenAwareChunkerの設定を表します
type Config struct {
	// トークン設定
	ModelBudgets  map[string]int // モデルごとのトークンバジェット
	DefaultBudget int            // 未設定モデルのフォールバックバジェット

	// トレース保持設定
	MaxOverflowRatio float64 // トレースを含むチャンクに許容する超過率

	// 品質スコアの重み
	ScoreOverflowPenalty float64 // バジェット超過1.0単位あたりの減点
	ScoreMetadataBonus   float64 // トレース等の構造保持に対する加点
}

// DefaultConfig はデフォルトのChunker設定を返します
func DefaultConfig() *Config {
	return &Config{
		ModelBudgets:         make(map[string]int),
		DefaultBudget:        DefaultTokenBudget,
		MaxOverflowRatio:     DefaultMaxOverflowRatio,
		ScoreOverflowPenalty: DefaultScoreOverflowPenalty,
		ScoreMetadataBonus:   DefaultScoreMetadataBonus,
	}
}

// Telemetry はチャンク化のメトリクスを記録するインターフェース
type Telemetry interface {
	RecordChunk(tenantID uuid.UUID, model string, tokens int, accepted bool)
}

// Piece はチャンク1件とその品質レコードを表します
type Piece struct {
	Text      string
	StartLine int
	EndLine   int
	Record    *models.ChunkQualityRecord
}

// TokenAwareChunker はログ本文をモデルサイズのチャンクに分割します
// マルチライン診断トレースはチャンク境界をまたいで分割されない
type TokenAwareChunker struct {
	encoder   *tiktoken.Tiktoken // nilの場合は固定文字数サイジングにフォールバック
	config    *Config
	telemetry Telemetry
	logger    *slog.Logger
}

type chunkerOptions struct {
	telemetry Telemetry
	logger    *slog.Logger
}

// Option はTokenAwareChunkerのオプション設定
type Option func(*chunkerOptions)

// WithTelemetry はメトリクス記録先を設定する
func WithTelemetry(t Telemetry) Option {
	return func(o *chunkerOptions) {
		o.telemetry = t
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(o *chunkerOptions) {
		o.logger = logger
	}
}

// New は新しいTokenAwareChunkerを作成します
// tiktokenエンコーダの初期化に失敗してもエラーとせず、
// 固定文字数サイジングで動作する（チャンク化は設定不備で失敗してはならない）
func New(config *Config, opts ...Option) *TokenAwareChunker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DefaultBudget <= 0 {
		config.DefaultBudget = DefaultTokenBudget
	}
	if config.MaxOverflowRatio <= 1.0 {
		config.MaxOverflowRatio = DefaultMaxOverflowRatio
	}
	if config.ScoreOverflowPenalty <= 0 {
		config.ScoreOverflowPenalty = DefaultScoreOverflowPenalty
	}
	if config.ScoreMetadataBonus <= 0 {
		config.ScoreMetadataBonus = DefaultScoreMetadataBonus
	}

	options := chunkerOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	// cl100k_baseエンコーダを使用（text-embedding-3-smallと互換）
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		options.logger.Warn("tiktokenエンコーダの初期化に失敗、固定文字数サイジングにフォールバック", "error", err)
		encoder = nil
	}

	return &TokenAwareChunker{
		encoder:   encoder,
		config:    config,
		telemetry: options.telemetry,
		logger:    options.logger,
	}
}

// Chunk はログ本文をチャンク化し、チャンクごとの品質レコードを返します
// 戻り値は入力順を保持する
func (c *TokenAwareChunker) Chunk(ctx context.Context, content string, tenantID uuid.UUID, model string) ([]*Piece, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	budget, baseWarnings := c.resolveBudget(model)

	lines := strings.Split(content, "\n")
	blocks := detectBlocks(lines)

	var pieces []*Piece
	var current []block
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		pieces = append(pieces, c.buildPiece(current, currentTokens, tenantID, model, budget, baseWarnings))
		current = nil
		currentTokens = 0
	}

	for _, b := range blocks {
		blockTokens := c.countTokens(b.text())

		// バジェットを超える場合は先にフラッシュ
		// ブロック単体がバジェットを超える場合（巨大トレース）はそのまま
		// 単独チャンクとして保持する
		if len(current) > 0 && currentTokens+blockTokens > budget {
			flush()
		}
		current = append(current, b)
		currentTokens += blockTokens

		if currentTokens >= budget {
			flush()
		}
	}
	flush()

	if c.telemetry != nil {
		for _, p := range pieces {
			c.telemetry.RecordChunk(tenantID, model, p.Record.TokenBudgetUsed, p.Record.Accepted)
		}
	}

	return pieces, nil
}

// resolveBudget はモデルのトークンバジェットを解決します
func (c *TokenAwareChunker) resolveBudget(model string) (int, []string) {
	var warnings []string
	budget, ok := c.config.ModelBudgets[model]
	if !ok || budget <= 0 {
		budget = c.config.DefaultBudget
		warnings = append(warnings, fmt.Sprintf("token budget not configured for model %q; using default %d", model, budget))
	}
	if c.encoder == nil {
		warnings = append(warnings, "tokenizer unavailable; falling back to fixed-character sizing")
	}
	return budget, warnings
}

// buildPiece はブロック列からチャンクと品質レコードを構築します
func (c *TokenAwareChunker) buildPiece(blocks []block, tokens int, tenantID uuid.UUID, model string, budget int, baseWarnings []string) *Piece {
	var sb strings.Builder
	tracePreserved := false
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.text())
		if b.isTrace {
			tracePreserved = true
		}
	}
	text := sb.String()

	warnings := append([]string(nil), baseWarnings...)
	overflowLimit := int(float64(budget) * c.config.MaxOverflowRatio)
	if tracePreserved && tokens > overflowLimit {
		// トレースは分割しない契約のため、許容超過を超えても保持し警告のみ出す
		warnings = append(warnings, fmt.Sprintf("trace kept whole at %d tokens, beyond overflow allowance of %d", tokens, overflowLimit))
	}

	ratio := printableRatio(text)
	accepted := ratio >= models.MinPrintableRatio && strings.TrimSpace(text) != ""
	if !accepted {
		warnings = append(warnings, "chunk rejected by quality gate")
	}

	record := &models.ChunkQualityRecord{
		ChunkID:             uuid.New(),
		TenantID:            tenantID,
		Model:               model,
		TokenBudgetUsed:     tokens,
		PrintableRatio:      ratio,
		StackTracePreserved: tracePreserved,
		QualityScore:        c.qualityScore(ratio, tokens, budget, tracePreserved),
		Warnings:            warnings,
		Accepted:            accepted,
		CreatedAt:           time.Now(),
	}

	return &Piece{
		Text:      text,
		StartLine: blocks[0].startLine,
		EndLine:   blocks[len(blocks)-1].endLine(),
		Record:    record,
	}
}

// qualityScore は印字可能率・超過ペナルティ・構造保持ボーナスから
// [0,1]に有界なスコアを算出します（各項について単調）
func (c *TokenAwareChunker) qualityScore(ratio float64, tokens, budget int, tracePreserved bool) float64 {
	score := ratio

	if budget > 0 && tokens > budget {
		overflow := float64(tokens)/float64(budget) - 1.0
		score -= c.config.ScoreOverflowPenalty * overflow
	}

	if tracePreserved {
		score += c.config.ScoreMetadataBonus
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// countTokens はテキストのトークン数を数えます
// エンコーダ不在時は固定文字数サイジング（約4文字で1トークン）
func (c *TokenAwareChunker) countTokens(text string) int {
	if c.encoder == nil {
		n := len([]rune(text))
		return (n + fallbackCharsPerToken - 1) / fallbackCharsPerToken
	}
	return len(c.encoder.Encode(text, nil, nil))
}

// printableRatio は印字可能文字の比率を返します
// 改行・タブはログ本文の正常な構成要素として印字可能に数える
func printableRatio(text string) float64 {
	runes := []rune(text)
	if len(runes) == 0 {
		return 0
	}
	printable := 0
	for _, r := range runes {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r' {
			printable++
		}
	}
	return float64(printable) / float64(len(runes))
}
