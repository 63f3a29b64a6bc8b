package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Collector は各ドメインサービスが公開する小さなTelemetryインターフェースを
// prometheusコレクターに接続します
type Collector struct{}

// NewCollector は新しいCollectorを作成します
func NewCollector() *Collector {
	return &Collector{}
}

// RecordChunk はチャンク1件の生成結果を記録します
func (c *Collector) RecordChunk(tenantID uuid.UUID, model string, tokens int, accepted bool) {
	tenant := tenantID.String()
	ChunkTokensPerChunk.WithLabelValues(tenant, model).Observe(float64(tokens))
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	ChunksProduced.WithLabelValues(tenant, model, outcome).Inc()
}

// RecordCacheLookup はキャッシュ参照の結果を記録します
func (c *Collector) RecordCacheLookup(tenantID uuid.UUID, outcome string) {
	CacheLookups.WithLabelValues(tenantID.String(), outcome).Inc()
}

// RecordCacheStore はキャッシュ書き込みの結果を記録します
func (c *Collector) RecordCacheStore(tenantID uuid.UUID, outcome string) {
	CacheStores.WithLabelValues(tenantID.String(), outcome).Inc()
}

// RecordEviction はEviction実行の結果を記録します
func (c *Collector) RecordEviction(tenantID uuid.UUID, outcome string, evicted int64) {
	tenant := tenantID.String()
	EvictionRuns.WithLabelValues(tenant, outcome).Inc()
	if evicted > 0 {
		EvictedEntries.WithLabelValues(tenant).Add(float64(evicted))
	}
}

// RecordKeywordIndexState はキーワードインデックスの滞留状態を記録します
func (c *Collector) RecordKeywordIndexState(pending int, age time.Duration) {
	KeywordPendingChunks.Set(float64(pending))
	KeywordIndexAge.Set(age.Seconds())
}

// RecordRetrievalLeg はレグ単体のレイテンシを記録します
func (c *Collector) RecordRetrievalLeg(tenantID uuid.UUID, leg string, d time.Duration) {
	RetrievalLegDuration.WithLabelValues(tenantID.String(), leg).Observe(d.Seconds())
}

// RecordRetrieval は検索実行全体の結果を記録します
func (c *Collector) RecordRetrieval(tenantID uuid.UUID, outcome string) {
	Retrievals.WithLabelValues(tenantID.String(), outcome).Inc()
}

// RecordAutoDisable はレイテンシ起因の自動無効化を記録します
func (c *Collector) RecordAutoDisable(tenantID uuid.UUID) {
	HybridAutoDisables.WithLabelValues(tenantID.String()).Inc()
}
