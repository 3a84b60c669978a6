package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	// SyncRunsTotal counts sync runs by mode and outcome.
	SyncRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmail_sync_runs_total",
		Help: "Sync runs by mode and outcome.",
	}, []string{"mode", "outcome"})

	// MessagesProcessedTotal counts ingested messages by disposition.
	MessagesProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmail_messages_processed_total",
		Help: "Messages processed by disposition (created, skipped_existing, skipped_duplicate, error).",
	}, []string{"disposition"})

	// LLMCallsTotal counts LLM calls by kind and outcome.
	LLMCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmail_llm_calls_total",
		Help: "LLM classification calls by kind (single, batch) and outcome.",
	}, []string{"kind", "outcome"})

	// CacheLookupsTotal counts classification cache lookups by tier and result.
	CacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmail_classification_cache_lookups_total",
		Help: "Classification cache lookups by tier (l1, l2) and result (hit, miss).",
	}, []string{"tier", "result"})

	// SyncsInFlight tracks currently running syncs.
	SyncsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobmail_syncs_in_flight",
		Help: "Number of sync pipelines currently running.",
	})

	// CommitRetriesTotal counts outer-transaction commit retries.
	CommitRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobmail_commit_retries_total",
		Help: "Ingestion commit retries due to storage contention.",
	})
)

// InitMetrics registers all collectors with the default registry exactly once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SyncRunsTotal,
			MessagesProcessedTotal,
			LLMCallsTotal,
			CacheLookupsTotal,
			SyncsInFlight,
			CommitRetriesTotal,
		)
	})
}
