package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/loglens/loglens/internal/core/ingestion"
	"github.com/loglens/loglens/internal/core/keyword"
	"github.com/loglens/loglens/internal/core/retrieval"
	"github.com/loglens/loglens/pkg/models"
)

// ChunkRepository は取り込み済みチャンクの永続化とベクトル類似検索、
// キーワードインデックス再構築用の全量列挙を提供する PostgreSQL リポジトリ。
type ChunkRepository struct {
	pool *pgxpool.Pool
}

// NewChunkRepository は新しい ChunkRepository を返す。
func NewChunkRepository(pool *pgxpool.Pool) *ChunkRepository {
	return &ChunkRepository{pool: pool}
}

var _ ingestion.ChunkStore = (*ChunkRepository)(nil)
var _ retrieval.VectorSearcher = (*ChunkRepository)(nil)
var _ keyword.Source = (*ChunkRepository)(nil)

const insertChunkQuery = `
INSERT INTO log_chunks (chunk_id, tenant_id, session_id, model, content, content_sha256, start_line, end_line, embedding, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (chunk_id) DO NOTHING
`

func (r *ChunkRepository) Insert(ctx context.Context, chunk *models.LogChunk) error {
	_, err := r.pool.Exec(ctx, insertChunkQuery,
		UUIDToPgtype(chunk.ChunkID),
		UUIDToPgtype(chunk.TenantID),
		UUIDToPgtype(chunk.SessionID),
		chunk.Model,
		chunk.Content,
		chunk.ContentSHA256,
		chunk.StartLine,
		chunk.EndLine,
		pgvector.NewVector(chunk.Embedding),
		TimeToPgtype(chunk.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert log chunk: %w", err)
	}
	return nil
}

const searchSimilarQuery = `
SELECT chunk_id, session_id, content, start_line, end_line,
       1 - (embedding <=> $2) AS similarity
FROM log_chunks
WHERE tenant_id = $1
ORDER BY embedding <=> $2
LIMIT $3
`

func (r *ChunkRepository) SearchSimilar(ctx context.Context, tenantID uuid.UUID, embedding []float32, limit int) ([]retrieval.ChunkHit, error) {
	rows, err := r.pool.Query(ctx, searchSimilarQuery, UUIDToPgtype(tenantID), pgvector.NewVector(embedding), int32(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to search similar chunks: %w", err)
	}
	defer rows.Close()

	var hits []retrieval.ChunkHit
	for rows.Next() {
		var hit retrieval.ChunkHit
		var chunkID, sessionID pgtype.UUID
		if err := rows.Scan(&chunkID, &sessionID, &hit.Content, &hit.StartLine, &hit.EndLine, &hit.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan similar chunk row: %w", err)
		}
		hit.ChunkID = PgtypeToUUID(chunkID)
		hit.SessionID = PgtypeToUUID(sessionID)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate similar chunk rows: %w", err)
	}
	return hits, nil
}

const listIndexedChunksQuery = `
SELECT chunk_id, tenant_id, session_id, content, start_line, end_line
FROM log_chunks
ORDER BY created_at
`

// ListIndexedChunks はキーワードインデックスの再構築用に全チャンクを列挙する。
func (r *ChunkRepository) ListIndexedChunks(ctx context.Context) ([]keyword.Document, error) {
	rows, err := r.pool.Query(ctx, listIndexedChunksQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexed chunks: %w", err)
	}
	defer rows.Close()

	var docs []keyword.Document
	for rows.Next() {
		var doc keyword.Document
		var chunkID, tenantID, sessionID pgtype.UUID
		if err := rows.Scan(&chunkID, &tenantID, &sessionID, &doc.Content, &doc.StartLine, &doc.EndLine); err != nil {
			return nil, fmt.Errorf("failed to scan indexed chunk row: %w", err)
		}
		doc.ChunkID = PgtypeToUUID(chunkID)
		doc.TenantID = PgtypeToUUID(tenantID)
		doc.SessionID = PgtypeToUUID(sessionID)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate indexed chunk rows: %w", err)
	}
	return docs, nil
}
