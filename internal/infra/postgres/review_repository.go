package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loglens/loglens/internal/core/cache"
)

// ReviewRepository は core/cache.ManualReviewQueue を実装する PostgreSQL リポジトリ。
// ポリシー違反で拒否されたコンテンツを手動レビュー待ち行列へ積む。
type ReviewRepository struct {
	pool *pgxpool.Pool
}

// NewReviewRepository は新しい ReviewRepository を返す。
func NewReviewRepository(pool *pgxpool.Pool) *ReviewRepository {
	return &ReviewRepository{pool: pool}
}

var _ cache.ManualReviewQueue = (*ReviewRepository)(nil)

const insertReviewItemQuery = `
INSERT INTO manual_review_queue (tenant_id, content_sha256, reason, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (tenant_id, content_sha256) DO NOTHING
`

func (r *ReviewRepository) Submit(ctx context.Context, tenantID uuid.UUID, contentHash, reason string) error {
	_, err := r.pool.Exec(ctx, insertReviewItemQuery, UUIDToPgtype(tenantID), contentHash, reason)
	if err != nil {
		return fmt.Errorf("failed to submit manual review item: %w", err)
	}
	return nil
}
