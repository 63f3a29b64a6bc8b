package retrieval

import (
	"sort"
	"unicode/utf8"

	"github.com/loglens/loglens/internal/core/keyword"
	"github.com/loglens/loglens/pkg/models"
)

// fuse は両レグの結果を重み付きで融合します
// 各レグのスコアはmin-maxで[0,1]へ正規化してから重みを掛け、
// 同一チャンクは両レグのスコアを合算した1件にまとめる
func fuse(vectorHits []ChunkHit, keywordHits []keyword.ScoredDocument, vectorWeight, keywordWeight float64) []RankedChunk {
	vectorScores := make([]float64, len(vectorHits))
	for i, h := range vectorHits {
		vectorScores[i] = h.Similarity
	}
	normalizeScores(vectorScores)

	keywordScores := make([]float64, len(keywordHits))
	for i, h := range keywordHits {
		keywordScores[i] = h.Score
	}
	normalizeScores(keywordScores)

	merged := make(map[string]*RankedChunk)
	order := make([]string, 0, len(vectorHits)+len(keywordHits))

	for i, h := range vectorHits {
		key := h.ChunkID.String()
		merged[key] = &RankedChunk{
			ChunkID:     h.ChunkID,
			SessionID:   h.SessionID,
			Content:     h.Content,
			StartLine:   h.StartLine,
			EndLine:     h.EndLine,
			VectorScore: vectorScores[i],
		}
		order = append(order, key)
	}
	for i, h := range keywordHits {
		key := h.ChunkID.String()
		if rc, ok := merged[key]; ok {
			rc.KeywordScore = keywordScores[i]
			continue
		}
		merged[key] = &RankedChunk{
			ChunkID:      h.ChunkID,
			SessionID:    h.SessionID,
			Content:      h.Content,
			StartLine:    h.StartLine,
			EndLine:      h.EndLine,
			KeywordScore: keywordScores[i],
		}
		order = append(order, key)
	}

	results := make([]RankedChunk, 0, len(order))
	for _, key := range order {
		rc := merged[key]
		rc.Score = vectorWeight*rc.VectorScore + keywordWeight*rc.KeywordScore
		results = append(results, *rc)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID.String() < results[j].ChunkID.String()
	})
	return results
}

// normalizeScores はスコア列をmin-maxで[0,1]へ正規化します（破壊的）
// 全要素が同値の場合はすべて1として扱う
func normalizeScores(scores []float64) {
	if len(scores) == 0 {
		return
	}
	minScore, maxScore := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}
	if maxScore == minScore {
		for i := range scores {
			scores[i] = 1
		}
		return
	}
	for i := range scores {
		scores[i] = (scores[i] - minScore) / (maxScore - minScore)
	}
}

// buildCitations は上位チャンクから引用メタデータを組み立てます
// バイトバジェットまたはソース数上限に達した時点で打ち切り、
// 候補が残っていた場合は切り詰めフラグを立てる
func buildCitations(chunks []RankedChunk, budgetBytes, maxSources int) ([]models.CitationMetadata, bool) {
	citations := make([]models.CitationMetadata, 0, maxSources)
	used := 0
	for _, c := range chunks {
		if len(citations) >= maxSources {
			return citations, true
		}
		preview := truncatePreview(c.Content, citationPreviewBytes)
		if used+len(preview) > budgetBytes {
			return citations, true
		}
		citations = append(citations, models.CitationMetadata{
			ChunkID:   c.ChunkID,
			SessionID: c.SessionID,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			Preview:   preview,
		})
		used += len(preview)
	}
	return citations, false
}

// truncatePreview はルーン境界を保ちながら最大maxバイトへ切り詰めます
func truncatePreview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
