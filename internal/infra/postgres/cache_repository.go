package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loglens/loglens/internal/core/cache"
	"github.com/loglens/loglens/internal/core/eviction"
	"github.com/loglens/loglens/internal/platform/database"
	"github.com/loglens/loglens/pkg/lock"
	"github.com/loglens/loglens/pkg/models"
)

// CacheRepository は core/cache.Repository と core/eviction.Store を実装する
// PostgreSQL リポジトリ。
type CacheRepository struct {
	pool *pgxpool.Pool
}

// NewCacheRepository は新しい CacheRepository を返す。
func NewCacheRepository(pool *pgxpool.Pool) *CacheRepository {
	return &CacheRepository{pool: pool}
}

var _ cache.Repository = (*CacheRepository)(nil)
var _ eviction.Store = (*CacheRepository)(nil)

// hit_countの加算と取得を単一のUPDATEで行い、並行ヒットでの加算消失を防ぐ
const lookupAndTouchQuery = `
UPDATE embedding_cache
SET hit_count = hit_count + 1,
    last_accessed_at = now()
WHERE tenant_id = $1
  AND content_sha256 = $2
  AND model = $3
  AND (expires_at IS NULL OR expires_at > now())
RETURNING payload
`

func (r *CacheRepository) LookupAndTouch(ctx context.Context, tenantID uuid.UUID, contentHash, model string) ([]byte, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx, lookupAndTouchQuery, UUIDToPgtype(tenantID), contentHash, model).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up cache entry: %w", err)
	}
	return payload, nil
}

const upsertCacheEntryQuery = `
INSERT INTO embedding_cache (tenant_id, content_sha256, model, payload, hit_count, last_accessed_at, created_at, expires_at)
VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
ON CONFLICT (tenant_id, content_sha256, model)
DO UPDATE SET payload = EXCLUDED.payload,
              last_accessed_at = EXCLUDED.last_accessed_at,
              expires_at = EXCLUDED.expires_at
`

func (r *CacheRepository) Upsert(ctx context.Context, entry *models.EmbeddingCacheEntry) error {
	_, err := r.pool.Exec(ctx, upsertCacheEntryQuery,
		UUIDToPgtype(entry.TenantID),
		entry.ContentSHA256,
		entry.Model,
		entry.Payload,
		TimeToPgtype(entry.LastAccessedAt),
		TimeToPgtype(entry.CreatedAt),
		TimePtrToPgtype(entry.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

const evictColdEntriesQuery = `
DELETE FROM embedding_cache
WHERE tenant_id = $1
  AND ((hit_count = 0 AND created_at < $2)
       OR (expires_at IS NOT NULL AND expires_at < now()))
`

type evictionResult struct {
	evicted  int64
	acquired bool
}

// EvictColdEntries はテナントスコープのアドバイザリロックの取得を試み、
// 取得できた場合のみコールドエントリを削除する。
// ロックはトランザクションスコープなのでコミット時に自動解放される。
func (r *CacheRepository) EvictColdEntries(ctx context.Context, tenantID uuid.UUID, olderThan time.Time) (int64, bool, error) {
	result, err := database.Transact(ctx, r.pool, func(tx pgx.Tx) (evictionResult, error) {
		lockID := lock.GenerateLockID("embedding-cache-eviction", tenantID.String())
		acquired, err := lock.TryAcquire(ctx, tx, lockID)
		if err != nil {
			return evictionResult{}, err
		}
		if !acquired {
			return evictionResult{}, nil
		}

		tag, err := tx.Exec(ctx, evictColdEntriesQuery, UUIDToPgtype(tenantID), TimeToPgtype(olderThan))
		if err != nil {
			return evictionResult{acquired: true}, fmt.Errorf("failed to evict cold cache entries: %w", err)
		}
		return evictionResult{evicted: tag.RowsAffected(), acquired: true}, nil
	})
	if err != nil {
		return 0, false, err
	}
	return result.evicted, result.acquired, nil
}
