package models

import (
	"time"

	"github.com/google/uuid"
)

// LogChunk は取り込み済みログチャンクを表します
// Embeddingは検索用の平文ベクトルとしてチャンクと同じ行に保存される
// （キャッシュ側の暗号化ペイロードとは独立）
type LogChunk struct {
	ChunkID       uuid.UUID `json:"chunkId"`
	TenantID      uuid.UUID `json:"tenantId"`
	SessionID     uuid.UUID `json:"sessionId"`
	Model         string    `json:"model"`
	Content       string    `json:"content"`
	ContentSHA256 string    `json:"contentSha256"`
	StartLine     int       `json:"startLine"`
	EndLine       int       `json:"endLine"`
	Embedding     []float32 `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}
