package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planforge_turns_started_total",
			Help: "Total number of conversation turns started",
		},
	)

	TurnsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planforge_turns_completed_total",
			Help: "Total number of conversation turns completed",
		},
		[]string{"intent", "status"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "planforge_turn_duration_seconds",
			Help:    "Turn processing duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	IntentsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planforge_intents_classified_total",
			Help: "Total number of classified intents",
		},
		[]string{"intent"},
	)

	// Generation metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planforge_generation_requests_total",
			Help: "Total number of generation service requests",
		},
		[]string{"status"},
	)

	GenerationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "planforge_generation_latency_seconds",
			Help:    "Generation service request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	GenerationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planforge_generation_retries_total",
			Help: "Total number of structured generation retry attempts",
		},
	)

	// Extractor metrics
	ExtractorRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planforge_extractor_recoveries_total",
			Help: "Successful payload recoveries by strategy",
		},
		[]string{"strategy"},
	)

	ExtractorFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planforge_extractor_failures_total",
			Help: "Total number of unrecoverable payloads",
		},
	)

	// Research metrics
	SearchQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planforge_search_queries_total",
			Help: "Total number of search queries executed",
		},
		[]string{"status"},
	)

	SearchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "planforge_search_latency_seconds",
			Help:    "Search service request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConflictChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planforge_conflict_checks_total",
			Help: "Conflict detection outcomes",
		},
		[]string{"result"},
	)

	PlansGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planforge_plans_generated_total",
			Help: "Total number of account plans generated",
		},
		[]string{"status"},
	)

	SectionEdits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planforge_section_edits_total",
			Help: "Total number of plan section edits",
		},
		[]string{"section", "status"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planforge_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planforge_session_cache_hits_total",
			Help: "Total number of session cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planforge_session_cache_misses_total",
			Help: "Total number of session cache misses",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "planforge_session_cache_size",
			Help: "Current number of sessions in local cache",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planforge_session_cache_evictions_total",
			Help: "Total number of sessions evicted from local cache",
		},
	)

	// Archive metrics
	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planforge_archive_writes_total",
			Help: "Total number of archive write operations",
		},
		[]string{"kind", "status"},
	)
)

// RecordTurn records metrics for a completed turn.
func RecordTurn(intent, status string, durationSeconds float64) {
	TurnsCompleted.WithLabelValues(intent, status).Inc()
	TurnDuration.Observe(durationSeconds)
}
