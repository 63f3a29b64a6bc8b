package models

import (
	"time"

	"github.com/google/uuid"
)

// MinPrintableRatio はチャンク受理に必要な印字可能文字比率の下限
const MinPrintableRatio = 0.90

// ChunkQualityRecord はチャンク1件の品質評価結果を表します
// チャンク生成時に作成され、以後は不変。accepted=false のチャンクは
// Embedding・キャッシュ・インデックスの対象外だが、監査のため記録は残る
type ChunkQualityRecord struct {
	ChunkID             uuid.UUID `json:"chunkId"`
	TenantID            uuid.UUID `json:"tenantId"`
	SessionID           uuid.UUID `json:"sessionId"`
	Model               string    `json:"model"`
	TokenBudgetUsed     int       `json:"tokenBudgetUsed"`
	PrintableRatio      float64   `json:"printableRatio"`
	StackTracePreserved bool      `json:"stackTracePreserved"`
	QualityScore        float64   `json:"qualityScore"`
	Warnings            []string  `json:"warnings,omitempty"`
	Accepted            bool      `json:"accepted"`
	CreatedAt           time.Time `json:"createdAt"`
}
