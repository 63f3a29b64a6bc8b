package models

import (
	"time"

	"github.com/google/uuid"
)

// HybridRetrievalAudit はハイブリッド検索1回分の監査レコードを表します
// 追記専用で、一度書き込まれたレコードは変更されない
type HybridRetrievalAudit struct {
	TenantID          uuid.UUID `json:"tenantId"`
	QueryID           uuid.UUID `json:"queryId"`
	VectorLatencyMS   int64     `json:"vectorLatencyMs"`
	BM25LatencyMS     int64     `json:"bm25LatencyMs"`
	CombinedLatencyMS int64     `json:"combinedLatencyMs"`
	ResultCount       int       `json:"resultCount"`
	CitationsReturned int       `json:"citationsReturned"`
	Degraded          bool      `json:"degraded"`
	AutoDisabled      bool      `json:"autoDisabled"`
	CreatedAt         time.Time `json:"createdAt"`
}

// CitationMetadata は検索結果に付与される引用情報です
// レスポンスごとに導出され、監査レコードの外には永続化されない
type CitationMetadata struct {
	ChunkID   uuid.UUID `json:"chunkId"`
	SessionID uuid.UUID `json:"sessionId"`
	StartLine int       `json:"startLine"`
	EndLine   int       `json:"endLine"`
	Preview   string    `json:"preview"`
}
