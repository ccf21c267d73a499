// Package metrics holds the Prometheus collectors for scout.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "scout"

// LLM metrics.
var (
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of chat completion requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Chat completion request duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"provider", "model"},
	)

	LLMRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_retries_total",
			Help:      "Chat completion retries by failure reason",
		},
		[]string{"reason"},
	)
)

// Retrieval metrics.
var (
	RetrievalCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_candidates",
			Help:      "Candidates returned by the vector store before reranking",
			Buckets:   []float64{0, 1, 3, 5, 10, 20, 50, 100},
		},
	)

	RerankDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rerank_duration_seconds",
			Help:      "Reranker scoring duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

// Evaluation metrics.
var (
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Completed criterion evaluations by extracted answer",
		},
		[]string{"answer"},
	)

	EvaluationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_failures_total",
			Help:      "Failed criterion evaluations by stage",
		},
		[]string{"stage"},
	)

	PersistenceFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Results or summaries that could not be stored",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LLMRequestsTotal,
		LLMRequestDuration,
		LLMRetriesTotal,
		RetrievalCandidates,
		RerankDuration,
		EvaluationsTotal,
		EvaluationFailuresTotal,
		PersistenceFailuresTotal,
	)
}
