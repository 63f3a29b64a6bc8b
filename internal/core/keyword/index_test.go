package keyword

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDoc(tenantID uuid.UUID, content string) Document {
	return Document{
		ChunkID:   uuid.New(),
		TenantID:  tenantID,
		SessionID: uuid.New(),
		Content:   content,
		StartLine: 1,
		EndLine:   10,
	}
}

func TestIndexSearch_RanksRareTermsHigher(t *testing.T) {
	tenantID := uuid.New()
	ix := newIndex()

	common1 := newDoc(tenantID, "request completed status ok latency low")
	common2 := newDoc(tenantID, "request completed status ok latency normal")
	rare := newDoc(tenantID, "request failed connection refused to upstream")
	ix.add(common1)
	ix.add(common2)
	ix.add(rare)

	results := ix.search(tenantID, "connection refused", 10)
	require.Len(t, results, 1)
	assert.Equal(t, rare.ChunkID, results[0].ChunkID)
	assert.Greater(t, results[0].Score, 0.0)
}

func TestIndexSearch_TermFrequencyBreaksTies(t *testing.T) {
	tenantID := uuid.New()
	ix := newIndex()

	once := newDoc(tenantID, "timeout while reading response header body")
	twice := newDoc(tenantID, "timeout then retry then timeout again here")
	ix.add(once)
	ix.add(twice)

	results := ix.search(tenantID, "timeout", 10)
	require.Len(t, results, 2)
	assert.Equal(t, twice.ChunkID, results[0].ChunkID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestIndexSearch_IsolatesTenants(t *testing.T) {
	tenantA := uuid.New()
	tenantB := uuid.New()
	ix := newIndex()

	docA := newDoc(tenantA, "database deadlock detected in transaction")
	docB := newDoc(tenantB, "database deadlock detected in transaction")
	ix.add(docA)
	ix.add(docB)

	results := ix.search(tenantA, "deadlock", 10)
	require.Len(t, results, 1)
	assert.Equal(t, docA.ChunkID, results[0].ChunkID)
	assert.Equal(t, tenantA, results[0].TenantID)
}

func TestIndexSearch_EmptyQueryAndUnknownTenant(t *testing.T) {
	tenantID := uuid.New()
	ix := newIndex()
	ix.add(newDoc(tenantID, "something happened"))

	assert.Empty(t, ix.search(tenantID, "   ", 10))
	assert.Empty(t, ix.search(uuid.New(), "something", 10))
}

func TestIndexSearch_RespectsLimit(t *testing.T) {
	tenantID := uuid.New()
	ix := newIndex()
	for i := 0; i < 8; i++ {
		ix.add(newDoc(tenantID, "error while flushing buffer"))
	}

	results := ix.search(tenantID, "error", 3)
	assert.Len(t, results, 3)
}

func TestIndexAdd_ReplacesSameChunk(t *testing.T) {
	tenantID := uuid.New()
	ix := newIndex()

	doc := newDoc(tenantID, "initial content about caching")
	ix.add(doc)

	doc.Content = "rewritten content about eviction"
	ix.add(doc)

	assert.Equal(t, 1, ix.docCount(tenantID))
	assert.Empty(t, ix.search(tenantID, "caching", 10))

	results := ix.search(tenantID, "eviction", 10)
	require.Len(t, results, 1)
	assert.Equal(t, doc.ChunkID, results[0].ChunkID)
}

func TestTokenize_LowercasesAndDropsShortRuns(t *testing.T) {
	tokens := tokenize("ERROR: Connection refused (code=111) @ db-01")
	assert.Equal(t, []string{"error", "connection", "refused", "code", "111", "db", "01"}, tokens)
}
