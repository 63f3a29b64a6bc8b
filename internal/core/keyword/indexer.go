package keyword

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultStalenessSLA はインデックス反映の鮮度SLA
	DefaultStalenessSLA = 5 * time.Minute
	// DefaultQueueSize は反映待ちキューの容量
	DefaultQueueSize = 4096
	// DefaultFlushInterval はバッチ反映の間隔
	DefaultFlushInterval = 2 * time.Second
	// DefaultBatchSize は1回の反映で処理する最大件数
	DefaultBatchSize = 256
)

// IndexerConfig はIndexerの設定を表します
type IndexerConfig struct {
	StalenessSLA  time.Duration
	QueueSize     int
	FlushInterval time.Duration
	BatchSize     int
}

// DefaultIndexerConfig はデフォルトのIndexer設定を返します
func DefaultIndexerConfig() *IndexerConfig {
	return &IndexerConfig{
		StalenessSLA:  DefaultStalenessSLA,
		QueueSize:     DefaultQueueSize,
		FlushInterval: DefaultFlushInterval,
		BatchSize:     DefaultBatchSize,
	}
}

// Telemetry はインデックスの滞留状態を記録するインターフェース
type Telemetry interface {
	RecordKeywordIndexState(pending int, age time.Duration)
}

// Source は再構築時に受理済みチャンクを列挙するインターフェース
type Source interface {
	ListIndexedChunks(ctx context.Context) ([]Document, error)
}

// Indexer は受理済みチャンクのキーワードインデックスを非同期に維持します
// 取り込みパイプラインをブロックせず、SLA超過時は鮮度を報告するのみで
// 検索側（HybridRetrievalEngine）が劣化判断を行う
type Indexer struct {
	current atomic.Pointer[index]

	feed chan Document

	// feedが満杯の場合の退避先（Publishは決してブロックしない）
	overflowMu sync.Mutex
	overflow   []Document

	pending       atomic.Int64
	lastAppliedAt atomic.Int64 // unixnano

	// 反映とスワップの直列化（Rebuild中の適用消失を防ぐ）
	applyMu sync.Mutex

	config    *IndexerConfig
	logger    *slog.Logger
	telemetry Telemetry
	now       func() time.Time
}

type indexerOptions struct {
	logger    *slog.Logger
	telemetry Telemetry
	now       func() time.Time
}

// IndexerOption はIndexerのオプション設定
type IndexerOption func(*indexerOptions)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) IndexerOption {
	return func(o *indexerOptions) {
		o.logger = logger
	}
}

// WithTelemetry はメトリクス記録先を設定する
func WithTelemetry(t Telemetry) IndexerOption {
	return func(o *indexerOptions) {
		o.telemetry = t
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) IndexerOption {
	return func(o *indexerOptions) {
		o.now = now
	}
}

// NewIndexer は新しいIndexerを作成します
func NewIndexer(config *IndexerConfig, opts ...IndexerOption) *Indexer {
	if config == nil {
		config = DefaultIndexerConfig()
	}
	if config.StalenessSLA <= 0 {
		config.StalenessSLA = DefaultStalenessSLA
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}

	options := indexerOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	ix := &Indexer{
		feed:      make(chan Document, config.QueueSize),
		config:    config,
		logger:    options.logger,
		telemetry: options.telemetry,
		now:       options.now,
	}
	ix.current.Store(newIndex())
	ix.lastAppliedAt.Store(options.now().UnixNano())
	return ix
}

// Publish は受理済みチャンクを反映待ちキューへ投入します
// キューが満杯でもブロックせず、オーバーフロー領域へ退避する
func (ix *Indexer) Publish(doc Document) {
	ix.pending.Add(1)
	select {
	case ix.feed <- doc:
	default:
		ix.overflowMu.Lock()
		ix.overflow = append(ix.overflow, doc)
		ix.overflowMu.Unlock()
	}
}

// Start はバックグラウンドの反映ワーカーを起動します
// ctxのキャンセルで停止する
func (ix *Indexer) Start(ctx context.Context) {
	go ix.run(ctx)
}

func (ix *Indexer) run(ctx context.Context) {
	ticker := time.NewTicker(ix.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case doc := <-ix.feed:
			ix.applyBatch(ix.drainFrom(doc))
		case <-ticker.C:
			ix.applyBatch(ix.drainFrom())
			ix.reportState()
		}
	}
}

// drainFrom はキューとオーバーフローからバッチ上限まで取り出します
func (ix *Indexer) drainFrom(head ...Document) []Document {
	batch := append([]Document(nil), head...)
	for len(batch) < ix.config.BatchSize {
		select {
		case doc := <-ix.feed:
			batch = append(batch, doc)
		default:
			ix.overflowMu.Lock()
			for len(batch) < ix.config.BatchSize && len(ix.overflow) > 0 {
				batch = append(batch, ix.overflow[0])
				ix.overflow = ix.overflow[1:]
			}
			ix.overflowMu.Unlock()
			return batch
		}
	}
	return batch
}

func (ix *Indexer) applyBatch(batch []Document) {
	if len(batch) == 0 {
		return
	}
	ix.applyMu.Lock()
	idx := ix.current.Load()
	for _, doc := range batch {
		idx.add(doc)
	}
	ix.applyMu.Unlock()

	ix.pending.Add(-int64(len(batch)))
	ix.lastAppliedAt.Store(ix.now().UnixNano())
	ix.reportState()
}

// Search はテナントのキーワードインデックスをBM25でランキングします
func (ix *Indexer) Search(tenantID uuid.UUID, query string, limit int) []ScoredDocument {
	return ix.current.Load().search(tenantID, query, limit)
}

// PendingCount は反映待ちチャンク数を返します
func (ix *Indexer) PendingCount() int {
	n := ix.pending.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// IndexAge は反映待ちがある場合の、最後に反映が進んでからの経過時間を返します
// 反映待ちがなければインデックスは最新とみなしゼロを返す
func (ix *Indexer) IndexAge() time.Duration {
	if ix.pending.Load() <= 0 {
		return 0
	}
	return ix.now().Sub(time.Unix(0, ix.lastAppliedAt.Load()))
}

// Stale はインデックスが鮮度SLAを超過しているかどうかを返します
func (ix *Indexer) Stale() bool {
	return ix.IndexAge() > ix.config.StalenessSLA
}

// Rebuild は受理済みチャンク全量から新しいインデックスを構築し、
// 完成後にアトミックに入れ替えます（検索は旧インデックスで継続）
func (ix *Indexer) Rebuild(ctx context.Context, source Source) error {
	docs, err := source.ListIndexedChunks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list chunks for rebuild: %w", err)
	}

	fresh := newIndex()
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		fresh.add(doc)
	}

	ix.applyMu.Lock()
	ix.current.Store(fresh)
	ix.applyMu.Unlock()

	ix.logger.Info("キーワードインデックスを再構築", "documents", len(docs))
	return nil
}

func (ix *Indexer) reportState() {
	if ix.telemetry != nil {
		ix.telemetry.RecordKeywordIndexState(ix.PendingCount(), ix.IndexAge())
	}
}
