package models

import (
	"time"

	"github.com/google/uuid"
)

// EmbeddingCacheEntry はキャッシュ済みEmbeddingベクトル1件を表します
// (tenant_id, content_sha256, model) の組がユニークキー
type EmbeddingCacheEntry struct {
	TenantID       uuid.UUID  `json:"tenantId"`
	ContentSHA256  string     `json:"contentSha256"`
	Model          string     `json:"model"`
	Payload        []byte     `json:"-"` // AES-GCMで暗号化済みのベクトルペイロード
	HitCount       int64      `json:"hitCount"`
	LastAccessedAt time.Time  `json:"lastAccessedAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}
