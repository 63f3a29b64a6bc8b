package chunker

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedChunk struct {
	model    string
	tokens   int
	accepted bool
}

type stubTelemetry struct {
	chunks []recordedChunk
}

func (t *stubTelemetry) RecordChunk(tenantID uuid.UUID, model string, tokens int, accepted bool) {
	t.chunks = append(t.chunks, recordedChunk{model: model, tokens: tokens, accepted: accepted})
}

func buildTrace(lines int) string {
	var sb strings.Builder
	sb.WriteString("com.example.payment.PaymentFailedException: settlement timed out\n")
	for i := 0; i < lines-1; i++ {
		sb.WriteString(fmt.Sprintf("    at com.example.payment.Processor.process(Processor.java:%d)\n", 100+i))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func TestChunk_PreservesTraceAcrossBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelBudgets["test-model"] = 60

	c := New(cfg)
	tenantID := uuid.New()

	// トレース直前までfillerでバジェットを埋め、境界付近にトレースを置く
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		sb.WriteString(fmt.Sprintf("2025-07-01T10:00:%02dZ INFO worker heartbeat ok seq=%d\n", i, i))
	}
	trace := buildTrace(12)
	sb.WriteString(trace)
	sb.WriteString("\n2025-07-01T10:01:00Z INFO worker resumed\n")

	pieces, err := c.Chunk(context.Background(), sb.String(), tenantID, "test-model")
	require.NoError(t, err)
	require.NotEmpty(t, pieces)

	// トレース12行全体が単一チャンク内に無傷で存在すること
	found := 0
	for _, p := range pieces {
		if strings.Contains(p.Text, trace) {
			found++
			assert.True(t, p.Record.StackTracePreserved)
		}
	}
	assert.Equal(t, 1, found, "trace must appear intact in exactly one chunk")

	// トレースの断片が他のチャンクに漏れていないこと
	frame := "at com.example.payment.Processor.process(Processor.java:100)"
	for _, p := range pieces {
		if strings.Contains(p.Text, frame) {
			assert.Contains(t, p.Text, trace)
		}
	}
}

func TestChunk_OversizedTraceKeptWholeWithWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelBudgets["test-model"] = 20
	cfg.MaxOverflowRatio = 1.2

	c := New(cfg)

	trace := buildTrace(40)
	pieces, err := c.Chunk(context.Background(), trace, uuid.New(), "test-model")
	require.NoError(t, err)
	require.Len(t, pieces, 1, "oversized trace must not be split")

	p := pieces[0]
	assert.True(t, p.Record.StackTracePreserved)
	assert.Contains(t, p.Text, "Processor.java:138")

	hasOverflowWarning := false
	for _, w := range p.Record.Warnings {
		if strings.Contains(w, "beyond overflow allowance") {
			hasOverflowWarning = true
		}
	}
	assert.True(t, hasOverflowWarning, "warnings: %v", p.Record.Warnings)
}

func TestNew_DefaultsScoreWeightsWhenUnset(t *testing.T) {
	// 重みを持たないConfigでも超過減点が効くこと
	cfg := &Config{
		ModelBudgets:     map[string]int{"test-model": 20},
		DefaultBudget:    DefaultTokenBudget,
		MaxOverflowRatio: 1.2,
	}
	c := New(cfg)

	assert.Equal(t, DefaultScoreOverflowPenalty, cfg.ScoreOverflowPenalty)
	assert.Equal(t, DefaultScoreMetadataBonus, cfg.ScoreMetadataBonus)

	pieces, err := c.Chunk(context.Background(), buildTrace(60), uuid.New(), "test-model")
	require.NoError(t, err)
	require.Len(t, pieces, 1)

	p := pieces[0]
	assert.Less(t, p.Record.QualityScore, p.Record.PrintableRatio,
		"overflow penalty must lower the score below the printable ratio")
}

func TestChunk_RejectsLowPrintableRatio(t *testing.T) {
	c := New(DefaultConfig())

	// 印字不能文字が3割を超える内容
	garbage := strings.Repeat("log line\x00\x01\x02\x03\x04", 50)
	pieces, err := c.Chunk(context.Background(), garbage, uuid.New(), "test-model")
	require.NoError(t, err)
	require.NotEmpty(t, pieces)

	for _, p := range pieces {
		assert.False(t, p.Record.Accepted)
		assert.Less(t, p.Record.PrintableRatio, 0.90)
	}
}

func TestChunk_RejectsEmptyContent(t *testing.T) {
	c := New(DefaultConfig())

	pieces, err := c.Chunk(context.Background(), "   \n\t\n  ", uuid.New(), "test-model")
	require.NoError(t, err)

	for _, p := range pieces {
		assert.False(t, p.Record.Accepted, "whitespace-only chunk must be rejected")
	}
}

func TestChunk_AcceptsCleanLogText(t *testing.T) {
	c := New(DefaultConfig())

	content := "2025-07-01T10:00:00Z INFO request handled path=/api/v1/orders status=200\n" +
		"2025-07-01T10:00:01Z WARN slow query duration=1.2s table=orders"
	pieces, err := c.Chunk(context.Background(), content, uuid.New(), "test-model")
	require.NoError(t, err)
	require.Len(t, pieces, 1)

	p := pieces[0]
	assert.True(t, p.Record.Accepted)
	assert.GreaterOrEqual(t, p.Record.PrintableRatio, 0.90)
	assert.Equal(t, 1, p.StartLine)
	assert.Equal(t, 2, p.EndLine)
}

func TestChunk_MissingBudgetFallsBackWithWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultBudget = 500

	c := New(cfg)
	pieces, err := c.Chunk(context.Background(), "INFO startup complete", uuid.New(), "unknown-model")
	require.NoError(t, err)
	require.Len(t, pieces, 1)

	hasBudgetWarning := false
	for _, w := range pieces[0].Record.Warnings {
		if strings.Contains(w, "token budget not configured") {
			hasBudgetWarning = true
		}
	}
	assert.True(t, hasBudgetWarning)
}

func TestChunk_QualityScoreBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelBudgets["test-model"] = 10

	c := New(cfg)

	inputs := []string{
		buildTrace(100), // 大幅超過でペナルティが効く
		"short line",
		strings.Repeat("\x00", 200), // 全て印字不能
	}
	for _, input := range inputs {
		pieces, err := c.Chunk(context.Background(), input, uuid.New(), "test-model")
		require.NoError(t, err)
		for _, p := range pieces {
			assert.GreaterOrEqual(t, p.Record.QualityScore, 0.0)
			assert.LessOrEqual(t, p.Record.QualityScore, 1.0)
		}
	}
}

func TestChunk_SplitsPlainTextAtBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelBudgets["test-model"] = 30

	c := New(cfg)

	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString(fmt.Sprintf("2025-07-01T10:00:%02dZ INFO periodic task finished run=%d\n", i%60, i))
	}

	pieces, err := c.Chunk(context.Background(), sb.String(), uuid.New(), "test-model")
	require.NoError(t, err)
	assert.Greater(t, len(pieces), 1, "long plain text must split into multiple chunks")

	// チャンクは入力順で行番号が単調増加する
	prevEnd := 0
	for _, p := range pieces {
		assert.Greater(t, p.StartLine, prevEnd)
		prevEnd = p.EndLine
	}
}

func TestChunk_EmitsTelemetryPerChunk(t *testing.T) {
	telemetry := &stubTelemetry{}
	c := New(DefaultConfig(), WithTelemetry(telemetry))

	_, err := c.Chunk(context.Background(), "INFO one\nINFO two", uuid.New(), "test-model")
	require.NoError(t, err)

	require.NotEmpty(t, telemetry.chunks)
	for _, rec := range telemetry.chunks {
		assert.Equal(t, "test-model", rec.model)
		assert.Greater(t, rec.tokens, 0)
	}
}
