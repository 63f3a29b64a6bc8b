package models

import (
	"time"

	"github.com/google/uuid"
)

// HybridStatus はテナントごとのハイブリッド検索の状態を表します
type HybridStatus string

const (
	// HybridStatusEnabled はハイブリッド検索が有効な状態
	HybridStatusEnabled HybridStatus = "enabled"
	// HybridStatusDisabledManual は管理者が手動で無効化した状態
	HybridStatusDisabledManual HybridStatus = "disabled_manual"
	// HybridStatusDisabledAutoLatency はレイテンシガードレールが自動で無効化した状態
	// この状態への遷移は自動のみ、解除は管理者操作のみ
	HybridStatusDisabledAutoLatency HybridStatus = "disabled_auto_latency"
)

// Valid は既知のステータス値かどうかを返します
func (s HybridStatus) Valid() bool {
	switch s {
	case HybridStatusEnabled, HybridStatusDisabledManual, HybridStatusDisabledAutoLatency:
		return true
	}
	return false
}

// Disabled はいずれかの無効状態かどうかを返します
func (s HybridStatus) Disabled() bool {
	return s == HybridStatusDisabledManual || s == HybridStatusDisabledAutoLatency
}

// FeatureFlagSettings はテナントごとの機能フラグを表します
// 読み取りが支配的なため、サービス層で短TTLキャッシュされる
type FeatureFlagSettings struct {
	TenantID           uuid.UUID    `json:"tenantId"`
	CachingEnabled     bool         `json:"cachingEnabled"`
	EvictionEnabled    bool         `json:"evictionEnabled"`
	ChunkingEnabled    bool         `json:"chunkingEnabled"`
	HybridStatus       HybridStatus `json:"hybridStatus"`
	LastAutoDisabledAt *time.Time   `json:"lastAutoDisabledAt,omitempty"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// DefaultFeatureFlags は未設定テナントのデフォルトフラグを返します
func DefaultFeatureFlags(tenantID uuid.UUID) *FeatureFlagSettings {
	return &FeatureFlagSettings{
		TenantID:        tenantID,
		CachingEnabled:  true,
		EvictionEnabled: true,
		ChunkingEnabled: true,
		HybridStatus:    HybridStatusEnabled,
	}
}
