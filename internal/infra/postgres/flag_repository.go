package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loglens/loglens/internal/core/flags"
	"github.com/loglens/loglens/pkg/models"
)

// FlagRepository は core/flags.Repository を実装する PostgreSQL リポジトリ。
type FlagRepository struct {
	pool *pgxpool.Pool
}

// NewFlagRepository は新しい FlagRepository を返す。
func NewFlagRepository(pool *pgxpool.Pool) *FlagRepository {
	return &FlagRepository{pool: pool}
}

var _ flags.Repository = (*FlagRepository)(nil)

const getFlagsQuery = `
SELECT caching_enabled, eviction_enabled, chunking_enabled, hybrid_status, last_auto_disabled_at, updated_at
FROM feature_flags
WHERE tenant_id = $1
`

func (r *FlagRepository) Get(ctx context.Context, tenantID uuid.UUID) (*models.FeatureFlagSettings, error) {
	settings := &models.FeatureFlagSettings{TenantID: tenantID}
	var (
		status             string
		lastAutoDisabledAt pgtype.Timestamptz
		updatedAt          pgtype.Timestamptz
	)

	err := r.pool.QueryRow(ctx, getFlagsQuery, UUIDToPgtype(tenantID)).Scan(
		&settings.CachingEnabled,
		&settings.EvictionEnabled,
		&settings.ChunkingEnabled,
		&status,
		&lastAutoDisabledAt,
		&updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flags.ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature flags: %w", err)
	}

	settings.HybridStatus = models.HybridStatus(status)
	settings.LastAutoDisabledAt = PgtypeToTimePtr(lastAutoDisabledAt)
	settings.UpdatedAt = PgtypeToTime(updatedAt)
	return settings, nil
}

const upsertFlagsQuery = `
INSERT INTO feature_flags (tenant_id, caching_enabled, eviction_enabled, chunking_enabled, hybrid_status, last_auto_disabled_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (tenant_id)
DO UPDATE SET caching_enabled = EXCLUDED.caching_enabled,
              eviction_enabled = EXCLUDED.eviction_enabled,
              chunking_enabled = EXCLUDED.chunking_enabled,
              hybrid_status = EXCLUDED.hybrid_status,
              last_auto_disabled_at = EXCLUDED.last_auto_disabled_at,
              updated_at = now()
`

func (r *FlagRepository) Upsert(ctx context.Context, settings *models.FeatureFlagSettings) error {
	_, err := r.pool.Exec(ctx, upsertFlagsQuery,
		UUIDToPgtype(settings.TenantID),
		settings.CachingEnabled,
		settings.EvictionEnabled,
		settings.ChunkingEnabled,
		string(settings.HybridStatus),
		TimePtrToPgtype(settings.LastAutoDisabledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert feature flags: %w", err)
	}
	return nil
}

// 未登録テナントはデフォルト（全有効）の行として扱えるよう先に埋めておく
const seedDefaultFlagsQuery = `
INSERT INTO feature_flags (tenant_id, caching_enabled, eviction_enabled, chunking_enabled, hybrid_status, updated_at)
VALUES ($1, true, true, true, 'enabled', now())
ON CONFLICT (tenant_id) DO NOTHING
`

// 遷移の正当性はWHEREガードで判定し、競合時は片方だけが行を更新する
const transitionHybridQuery = `
UPDATE feature_flags
SET hybrid_status = $2,
    last_auto_disabled_at = COALESCE($3, last_auto_disabled_at),
    updated_at = now()
WHERE tenant_id = $1
  AND hybrid_status = ANY($4)
`

func (r *FlagRepository) TransitionHybrid(ctx context.Context, tenantID uuid.UUID, to models.HybridStatus, autoDisabledAt *time.Time, from ...models.HybridStatus) (bool, error) {
	if _, err := r.pool.Exec(ctx, seedDefaultFlagsQuery, UUIDToPgtype(tenantID)); err != nil {
		return false, fmt.Errorf("failed to seed default feature flags: %w", err)
	}

	fromStates := make([]string, len(from))
	for i, s := range from {
		fromStates[i] = string(s)
	}

	tag, err := r.pool.Exec(ctx, transitionHybridQuery,
		UUIDToPgtype(tenantID),
		string(to),
		TimePtrToPgtype(autoDisabledAt),
		fromStates,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition hybrid status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
