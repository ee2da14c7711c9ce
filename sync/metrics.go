package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk2crm_remote_requests_total",
			Help: "Remote API calls by operation and classified outcome",
		},
		[]string{"operation", "outcome"},
	)

	pagesFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk2crm_pages_fetched_total",
			Help: "Helpdesk result pages fetched by the pagination walker",
		},
		[]string{"results_key"},
	)

	upsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk2crm_upserts_total",
			Help: "CRM upserts by entity set and result",
		},
		[]string{"entity_set", "result"},
	)

	skippedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk2crm_skipped_records_total",
			Help: "Records skipped before upsert, by reason",
		},
		[]string{"reason"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk2crm_cache_lookups_total",
			Help: "CRM config cache lookups by category and hit or miss",
		},
		[]string{"category", "result"},
	)

	rateLimitWaitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "desk2crm_rate_limit_waits_total",
			Help: "Times the rate limit gate paused because headroom was below threshold",
		},
	)

	rateLimitRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "desk2crm_rate_limit_remaining",
			Help: "Last remaining-calls value reported by the helpdesk",
		},
	)

	checkpointTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "desk2crm_checkpoint_unix_seconds",
			Help: "Last checkpoint written per lane",
		},
		[]string{"lane"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "desk2crm_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
