package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/policyguard/backend/pkg/circuitbreaker"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyguard_query_duration_seconds",
			Help:    "Pipeline duration per query in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"outcome"},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyguard_decisions_total",
			Help: "Terminal decisions by outcome and reason code",
		},
		[]string{"outcome", "reason"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyguard_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"stage"},
	)

	StageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyguard_stage_errors_total",
			Help: "Collaborator failures per pipeline stage",
		},
		[]string{"stage"},
	)

	GroundingScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policyguard_grounding_score",
			Help:    "Grounding scores of evaluated drafts",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	RetrievedChunks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policyguard_retrieved_chunks",
			Help:    "Chunks above the relevance threshold per query",
			Buckets: []float64{0, 1, 2, 4, 8, 16},
		},
	)

	RoleRedactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyguard_role_redacted_sentences_total",
			Help: "Sentences removed from answers by the role filter",
		},
		[]string{"role"},
	)

	AuditFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "policyguard_audit_failures_total",
			Help: "Audit writes that could not be made durable",
		},
	)

	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyguard_config_reloads_total",
			Help: "Configuration reload attempts",
		},
		[]string{"status"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyguard_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyguard_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyguard_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	BackendBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "policyguard_backend_breaker_state",
			Help: "Circuit breaker state per backend (0 closed, 1 half-open, 2 open)",
		},
		[]string{"backend"},
	)
)

// RecordBreakerState is the OnStateChange hook for backend circuit breakers.
func RecordBreakerState(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	BackendBreakerState.WithLabelValues(name).Set(float64(to))
}

var registerOnce sync.Once

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueryDuration,
			DecisionsTotal,
			StageDuration,
			StageErrors,
			GroundingScore,
			RetrievedChunks,
			RoleRedactions,
			AuditFailures,
			ConfigReloads,
			CacheHits,
			CacheMisses,
			LLMTokensUsed,
			BackendBreakerState,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
