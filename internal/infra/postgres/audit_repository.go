package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loglens/loglens/internal/core/retrieval"
	"github.com/loglens/loglens/pkg/models"
)

// AuditRepository は core/retrieval.AuditWriter を実装する PostgreSQL リポジトリ。
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository は新しい AuditRepository を返す。
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

var _ retrieval.AuditWriter = (*AuditRepository)(nil)

const insertAuditQuery = `
INSERT INTO hybrid_retrieval_audit (tenant_id, query_id, vector_latency_ms, bm25_latency_ms, combined_latency_ms, result_count, citations_returned, degraded, auto_disabled, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

func (r *AuditRepository) Append(ctx context.Context, audit *models.HybridRetrievalAudit) error {
	_, err := r.pool.Exec(ctx, insertAuditQuery,
		UUIDToPgtype(audit.TenantID),
		UUIDToPgtype(audit.QueryID),
		audit.VectorLatencyMS,
		audit.BM25LatencyMS,
		audit.CombinedLatencyMS,
		audit.ResultCount,
		audit.CitationsReturned,
		audit.Degraded,
		audit.AutoDisabled,
		TimeToPgtype(audit.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert retrieval audit record: %w", err)
	}
	return nil
}

const recentAuditQuery = `
SELECT tenant_id, query_id, vector_latency_ms, bm25_latency_ms, combined_latency_ms, result_count, citations_returned, degraded, auto_disabled, created_at
FROM hybrid_retrieval_audit
WHERE tenant_id = $1
ORDER BY created_at DESC
LIMIT $2
`

// Recent はテナントの直近の監査レコードを新しい順に返す。
func (r *AuditRepository) Recent(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.HybridRetrievalAudit, error) {
	rows, err := r.pool.Query(ctx, recentAuditQuery, UUIDToPgtype(tenantID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retrieval audit records: %w", err)
	}
	defer rows.Close()

	var audits []*models.HybridRetrievalAudit
	for rows.Next() {
		var (
			audit       models.HybridRetrievalAudit
			recTenantID pgtype.UUID
			queryID     pgtype.UUID
			createdAt   pgtype.Timestamptz
		)
		if err := rows.Scan(
			&recTenantID,
			&queryID,
			&audit.VectorLatencyMS,
			&audit.BM25LatencyMS,
			&audit.CombinedLatencyMS,
			&audit.ResultCount,
			&audit.CitationsReturned,
			&audit.Degraded,
			&audit.AutoDisabled,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan retrieval audit record: %w", err)
		}
		audit.TenantID = PgtypeToUUID(recTenantID)
		audit.QueryID = PgtypeToUUID(queryID)
		audit.CreatedAt = PgtypeToTime(createdAt)
		audits = append(audits, &audit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read retrieval audit records: %w", err)
	}
	return audits, nil
}
