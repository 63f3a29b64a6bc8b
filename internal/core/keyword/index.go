package keyword

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
)

// BM25パラメータ（標準的な値）
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Document はキーワードインデックスに登録されるチャンクを表します
type Document struct {
	ChunkID   uuid.UUID
	TenantID  uuid.UUID
	SessionID uuid.UUID
	Content   string
	StartLine int
	EndLine   int
}

// ScoredDocument はBM25スコア付きの検索結果です
type ScoredDocument struct {
	Document
	Score float64
}

// index はテナントごとに分割された転置インデックスです
// 検索と追記はRWMutexで保護され、全体の入れ替えはIndexer側の
// アトミックなポインタスワップで行われる
type index struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]*tenantIndex
}

type tenantIndex struct {
	docs        map[uuid.UUID]*docEntry
	postings    map[string]map[uuid.UUID]int // term → chunkID → term frequency
	totalTokens int
}

type docEntry struct {
	doc    Document
	length int
}

func newIndex() *index {
	return &index{tenants: make(map[uuid.UUID]*tenantIndex)}
}

// add はドキュメントをインデックスに追加します
// 同一ChunkIDの再追加は置き換えとして扱う
func (ix *index) add(doc Document) {
	tokens := tokenize(doc.Content)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ti, ok := ix.tenants[doc.TenantID]
	if !ok {
		ti = &tenantIndex{
			docs:     make(map[uuid.UUID]*docEntry),
			postings: make(map[string]map[uuid.UUID]int),
		}
		ix.tenants[doc.TenantID] = ti
	}

	if existing, ok := ti.docs[doc.ChunkID]; ok {
		ti.removeLocked(doc.ChunkID, existing)
	}

	entry := &docEntry{doc: doc, length: len(tokens)}
	ti.docs[doc.ChunkID] = entry
	ti.totalTokens += entry.length

	for _, term := range tokens {
		posting, ok := ti.postings[term]
		if !ok {
			posting = make(map[uuid.UUID]int)
			ti.postings[term] = posting
		}
		posting[doc.ChunkID]++
	}
}

func (ti *tenantIndex) removeLocked(chunkID uuid.UUID, entry *docEntry) {
	for _, term := range tokenize(entry.doc.Content) {
		if posting, ok := ti.postings[term]; ok {
			delete(posting, chunkID)
			if len(posting) == 0 {
				delete(ti.postings, term)
			}
		}
	}
	ti.totalTokens -= entry.length
	delete(ti.docs, chunkID)
}

// search はテナントのインデックスをBM25でランキングします
func (ix *index) search(tenantID uuid.UUID, query string, limit int) []ScoredDocument {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ti, ok := ix.tenants[tenantID]
	if !ok || len(ti.docs) == 0 {
		return nil
	}

	n := float64(len(ti.docs))
	avgLen := float64(ti.totalTokens) / n

	scores := make(map[uuid.UUID]float64)
	for _, term := range terms {
		posting, ok := ti.postings[term]
		if !ok {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for chunkID, tf := range posting {
			dl := float64(ti.docs[chunkID].length)
			tfScore := float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*(1-bm25B+bm25B*dl/avgLen))
			scores[chunkID] += idf * tfScore
		}
	}

	results := make([]ScoredDocument, 0, len(scores))
	for chunkID, score := range scores {
		results = append(results, ScoredDocument{
			Document: ti.docs[chunkID].doc,
			Score:    score,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID.String() < results[j].ChunkID.String()
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// docCount はテナントの登録ドキュメント数を返します
func (ix *index) docCount(tenantID uuid.UUID) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ti, ok := ix.tenants[tenantID]; ok {
		return len(ti.docs)
	}
	return 0
}

// tokenize はログ本文を小文字のタームに分解します
func tokenize(text string) []string {
	var tokens []string
	var sb strings.Builder
	flush := func() {
		if sb.Len() >= 2 {
			tokens = append(tokens, sb.String())
		}
		sb.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
