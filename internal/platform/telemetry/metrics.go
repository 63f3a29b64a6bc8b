package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Retrieval core metrics for production monitoring
var (
	// Chunker metrics
	ChunkTokensPerChunk = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loglens_chunk_tokens_per_chunk",
			Help:    "Tokens per produced chunk",
			Buckets: prometheus.ExponentialBuckets(50, 2, 8), // 50 to ~6400 tokens
		},
		[]string{"tenant", "model"},
	)

	ChunksProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loglens_chunks_produced_total",
			Help: "Total number of chunks produced by the chunker",
		},
		[]string{"tenant", "model", "outcome"}, // outcome: accepted/rejected
	)

	// Embedding cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loglens_cache_lookups_total",
			Help: "Total number of embedding cache lookups",
		},
		[]string{"tenant", "outcome"}, // outcome: hit/miss/unavailable
	)

	CacheStores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loglens_cache_stores_total",
			Help: "Total number of embedding cache store attempts",
		},
		[]string{"tenant", "outcome"}, // outcome: stored/policy_violation/error
	)

	// Eviction metrics
	EvictionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loglens_eviction_runs_total",
			Help: "Total number of cache eviction runs",
		},
		[]string{"tenant", "outcome"}, // outcome: completed/lock_denied/disabled
	)

	EvictedEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loglens_evicted_entries_total",
			Help: "Total number of cache entries deleted by eviction",
		},
		[]string{"tenant"},
	)

	// Keyword index metrics
	KeywordPendingChunks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loglens_keyword_pending_chunks",
			Help: "Chunks waiting to be applied to the keyword index",
		},
	)

	KeywordIndexAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loglens_keyword_index_age_seconds",
			Help: "Age of the keyword index relative to pending chunks",
		},
	)

	// Hybrid retrieval metrics
	RetrievalLegDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loglens_retrieval_leg_duration_seconds",
			Help:    "Per-leg retrieval latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"tenant", "leg"}, // leg: keyword/vector
	)

	Retrievals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loglens_retrievals_total",
			Help: "Total number of hybrid retrieval executions",
		},
		[]string{"tenant", "outcome"}, // outcome: ok/degraded/rejected/error
	)

	HybridAutoDisables = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loglens_hybrid_auto_disables_total",
			Help: "Total number of latency-triggered hybrid auto-disable transitions",
		},
		[]string{"tenant"},
	)
)
