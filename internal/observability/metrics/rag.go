package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ragMetrics struct {
	requests      *prometheus.CounterVec
	retrievalHits *prometheus.CounterVec
	noContext     *prometheus.CounterVec
	refusals      *prometheus.CounterVec
	sources       *prometheus.HistogramVec
	duration      *prometheus.HistogramVec
	phaseDuration *prometheus.HistogramVec
	tokens        *prometheus.CounterVec
	modelSkipped  *prometheus.CounterVec
}

func newRAGMetrics() *ragMetrics {
	return &ragMetrics{
		requests: counterVec("rag", "requests_total", "Total answered RAG requests by finish reason.",
			"service", "endpoint", "finish_reason"),
		retrievalHits: counterVec("rag", "retrieval_hit_total", "Total RAG requests with at least one retrieved source.",
			"service", "endpoint"),
		noContext: counterVec("rag", "no_context_total", "Total RAG requests without retrieved sources.",
			"service", "endpoint"),
		refusals: counterVec("rag", "refusals_total", "Total RAG requests that ended in a refusal.",
			"service", "endpoint"),
		sources: histogramVec("rag", "retrieved_chunks", "Distribution of sources per RAG request.",
			[]float64{0, 1, 2, 3, 5, 8, 13, 21}, "service", "endpoint"),
		duration: histogramVec("rag", "duration_seconds", "RAG execution duration in seconds.",
			prometheus.DefBuckets, "service", "endpoint"),
		phaseDuration: histogramVec("rag", "phase_duration_seconds", "Time spent building context and generating, per request.",
			[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}, "service", "endpoint", "phase"),
		tokens: counterVec("llm", "tokens_total", "Token usage by direction.",
			"service", "endpoint", "direction", "model"),
		modelSkipped: counterVec("rag", "model_skipped_total", "Requests answered without calling the model.",
			"service", "endpoint", "finish_reason"),
	}
}

func (r *ragMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.requests, r.retrievalHits, r.noContext, r.refusals, r.sources,
		r.duration, r.phaseDuration, r.tokens, r.modelSkipped,
	}
}

// RAGObservation is what the transport layer knows about one finished answer.
type RAGObservation struct {
	FinishReason       string
	Refused            bool
	SourceCount        int
	TokensGenerated    int
	Duration           time.Duration
	ContextDuration    time.Duration
	GenerationDuration time.Duration
}

func (m *HTTPServerMetrics) RecordRAGObservation(service, endpoint string, obs RAGObservation) {
	r := m.rag
	reason := obs.FinishReason
	if reason == "" {
		reason = "unknown"
	}
	r.requests.WithLabelValues(service, endpoint, reason).Inc()
	r.sources.WithLabelValues(service, endpoint).Observe(float64(obs.SourceCount))
	r.duration.WithLabelValues(service, endpoint).Observe(obs.Duration.Seconds())
	if obs.ContextDuration > 0 {
		r.phaseDuration.WithLabelValues(service, endpoint, "context").Observe(obs.ContextDuration.Seconds())
	}
	if obs.GenerationDuration > 0 {
		r.phaseDuration.WithLabelValues(service, endpoint, "generation").Observe(obs.GenerationDuration.Seconds())
	}
	if obs.Refused {
		r.refusals.WithLabelValues(service, endpoint).Inc()
	}
	if obs.TokensGenerated == 0 {
		r.modelSkipped.WithLabelValues(service, endpoint, reason).Inc()
	}

	if obs.SourceCount > 0 {
		r.retrievalHits.WithLabelValues(service, endpoint).Inc()
		return
	}
	r.noContext.WithLabelValues(service, endpoint).Inc()
}

func (m *HTTPServerMetrics) RecordTokenUsage(service, endpoint, model string, promptTokens, completionTokens int) {
	if model == "" {
		model = "unknown"
	}
	if promptTokens > 0 {
		m.rag.tokens.WithLabelValues(service, endpoint, "in", model).Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.rag.tokens.WithLabelValues(service, endpoint, "out", model).Add(float64(completionTokens))
	}
}
