package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loglens/loglens/internal/core/ingestion"
	"github.com/loglens/loglens/pkg/models"
)

// QualityRepository は core/ingestion.QualityStore を実装する PostgreSQL リポジトリ。
// 品質レコードは生成後不変なので更新系の操作は持たない。
type QualityRepository struct {
	pool *pgxpool.Pool
}

// NewQualityRepository は新しい QualityRepository を返す。
func NewQualityRepository(pool *pgxpool.Pool) *QualityRepository {
	return &QualityRepository{pool: pool}
}

var _ ingestion.QualityStore = (*QualityRepository)(nil)

const insertQualityRecordQuery = `
INSERT INTO chunk_quality_records (chunk_id, tenant_id, session_id, model, token_budget_used, printable_ratio, stack_trace_preserved, quality_score, warnings, accepted, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

func (r *QualityRepository) Record(ctx context.Context, record *models.ChunkQualityRecord) error {
	_, err := r.pool.Exec(ctx, insertQualityRecordQuery,
		UUIDToPgtype(record.ChunkID),
		UUIDToPgtype(record.TenantID),
		UUIDToPgtype(record.SessionID),
		record.Model,
		record.TokenBudgetUsed,
		record.PrintableRatio,
		record.StackTracePreserved,
		record.QualityScore,
		record.Warnings,
		record.Accepted,
		TimeToPgtype(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk quality record: %w", err)
	}
	return nil
}

const listQualityBySessionQuery = `
SELECT chunk_id, tenant_id, session_id, model, token_budget_used, printable_ratio, stack_trace_preserved, quality_score, warnings, accepted, created_at
FROM chunk_quality_records
WHERE tenant_id = $1 AND session_id = $2
ORDER BY created_at
`

// ListBySession はセッションに属する品質レコードを作成順に返す。
func (r *QualityRepository) ListBySession(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*models.ChunkQualityRecord, error) {
	rows, err := r.pool.Query(ctx, listQualityBySessionQuery, UUIDToPgtype(tenantID), UUIDToPgtype(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk quality records: %w", err)
	}
	defer rows.Close()

	var records []*models.ChunkQualityRecord
	for rows.Next() {
		var (
			record       models.ChunkQualityRecord
			chunkID      pgtype.UUID
			recTenantID  pgtype.UUID
			recSessionID pgtype.UUID
			createdAt    pgtype.Timestamptz
		)
		if err := rows.Scan(
			&chunkID,
			&recTenantID,
			&recSessionID,
			&record.Model,
			&record.TokenBudgetUsed,
			&record.PrintableRatio,
			&record.StackTracePreserved,
			&record.QualityScore,
			&record.Warnings,
			&record.Accepted,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk quality record: %w", err)
		}
		record.ChunkID = PgtypeToUUID(chunkID)
		record.TenantID = PgtypeToUUID(recTenantID)
		record.SessionID = PgtypeToUUID(recSessionID)
		record.CreatedAt = PgtypeToTime(createdAt)
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunk quality records: %w", err)
	}
	return records, nil
}
