package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FactsExtracted counts facts produced by the extraction call.
	FactsExtracted prometheus.Counter

	// ConsolidationActions counts consolidation outcomes by action
	// (ADD, UPDATE, DELETE, NONE).
	ConsolidationActions *prometheus.CounterVec

	// StoreOps counts memory store operations by name.
	StoreOps *prometheus.CounterVec

	// IntentClassifications counts structured intents by kind.
	IntentClassifications *prometheus.CounterVec

	// AgentToolCalls counts tool executions inside the agent loop, by tool.
	AgentToolCalls *prometheus.CounterVec

	// EmbedCacheHits and EmbedCacheMisses track the embedding cache.
	EmbedCacheHits   prometheus.Counter
	EmbedCacheMisses prometheus.Counter
)

var initOnce sync.Once

// Init registers all Prometheus metrics. Safe to call multiple times; only
// the first call registers. Pipeline code must tolerate nil metrics so the
// MCP server works without the management listener.
func Init() {
	initOnce.Do(func() {
		f := promauto.With(prometheus.DefaultRegisterer)

		FactsExtracted = f.NewCounter(prometheus.CounterOpts{
			Name: "recall_facts_extracted_total",
			Help: "Total facts produced by extraction calls",
		})

		ConsolidationActions = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_consolidation_actions_total",
				Help: "Consolidation decisions by action",
			},
			[]string{"action"},
		)

		StoreOps = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_store_operations_total",
				Help: "Memory store operations by name",
			},
			[]string{"operation"},
		)

		IntentClassifications = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_intent_classifications_total",
				Help: "Structured memory intent classifications by kind",
			},
			[]string{"intent"},
		)

		AgentToolCalls = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_agent_tool_calls_total",
				Help: "Agent loop tool executions by tool name",
			},
			[]string{"tool"},
		)

		EmbedCacheHits = f.NewCounter(prometheus.CounterOpts{
			Name: "recall_embed_cache_hits_total",
			Help: "Embedding cache hits",
		})

		EmbedCacheMisses = f.NewCounter(prometheus.CounterOpts{
			Name: "recall_embed_cache_misses_total",
			Help: "Embedding cache misses",
		})
	})
}

// CountStoreOp increments StoreOps when metrics are initialised.
func CountStoreOp(op string) {
	if StoreOps != nil {
		StoreOps.WithLabelValues(op).Inc()
	}
}

// CountConsolidation increments ConsolidationActions when metrics are initialised.
func CountConsolidation(action string) {
	if ConsolidationActions != nil {
		ConsolidationActions.WithLabelValues(action).Inc()
	}
}

// CountIntent increments IntentClassifications when metrics are initialised.
func CountIntent(intent string) {
	if IntentClassifications != nil {
		IntentClassifications.WithLabelValues(intent).Inc()
	}
}

// CountAgentTool increments AgentToolCalls when metrics are initialised.
func CountAgentTool(tool string) {
	if AgentToolCalls != nil {
		AgentToolCalls.WithLabelValues(tool).Inc()
	}
}

// CountFacts adds n to FactsExtracted when metrics are initialised.
func CountFacts(n int) {
	if FactsExtracted != nil {
		FactsExtracted.Add(float64(n))
	}
}
