// Package metrics exposes Prometheus counters and histograms for the
// agent, the tool layer, the enrichment pipeline and interactive
// sessions. Each Metrics owns its registry so tests can build as many
// as they like. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toque"

// Metrics holds the collectors.
type Metrics struct {
	registry *prometheus.Registry

	agentRuns       *prometheus.CounterVec
	agentDuration   *prometheus.HistogramVec
	agentIterations prometheus.Histogram
	toolCalls       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	llmFallbacks    *prometheus.CounterVec
	llmTokens       *prometheus.CounterVec
	enrichAttempts  *prometheus.CounterVec
	enrichOutcomes  *prometheus.CounterVec
	sessionRequests *prometheus.CounterVec
	jobs            *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		agentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Agent loop runs by terminal status.",
		}, []string{"status"}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Wall time of agent loop runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"status"}),
		agentIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_iterations",
			Help:      "Outer iterations used per agent run.",
			Buckets:   prometheus.LinearBuckets(1, 1, 15),
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		llmFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_backend_failures_total",
			Help:      "Backend failures that moved the chain to the next backend.",
		}, []string{"backend"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by backend and direction.",
		}, []string{"backend", "direction"}),
		enrichAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrich_attempts_total",
			Help:      "Enrichment fetch attempts by result.",
		}, []string{"result"}),
		enrichOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrich_candidates_total",
			Help:      "Enrichment candidates by final outcome.",
		}, []string{"outcome"}),
		sessionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_requests_total",
			Help:      "Interactive chat submissions by result.",
		}, []string{"result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_jobs_total",
			Help:      "Scheduled job executions by task and status.",
		}, []string{"task", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.agentRuns, m.agentDuration, m.agentIterations,
		m.toolCalls, m.toolDuration,
		m.llmFallbacks, m.llmTokens,
		m.enrichAttempts, m.enrichOutcomes,
		m.sessionRequests, m.jobs,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// AgentRun records a finished agent run.
func (m *Metrics) AgentRun(status string, iterations int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.agentRuns.WithLabelValues(status).Inc()
	m.agentDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	m.agentIterations.Observe(float64(iterations))
}

// ToolCall records one tool invocation. outcome is "ok" or "error".
func (m *Metrics) ToolCall(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// BackendFailure records a chain fallback away from backend.
func (m *Metrics) BackendFailure(backend string) {
	if m == nil {
		return
	}
	m.llmFallbacks.WithLabelValues(backend).Inc()
}

// Tokens records token usage of one response.
func (m *Metrics) Tokens(backend string, input, output int) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues(backend, "input").Add(float64(input))
	m.llmTokens.WithLabelValues(backend, "output").Add(float64(output))
}

// EnrichAttempt records one enrichment fetch. result is "complete",
// "incomplete" or "error".
func (m *Metrics) EnrichAttempt(result string) {
	if m == nil {
		return
	}
	m.enrichAttempts.WithLabelValues(result).Inc()
}

// EnrichOutcome records a candidate's final outcome.
func (m *Metrics) EnrichOutcome(outcome string) {
	if m == nil {
		return
	}
	m.enrichOutcomes.WithLabelValues(outcome).Inc()
}

// SessionRequest records a chat submission. result is "accepted",
// "busy" or "poll".
func (m *Metrics) SessionRequest(result string) {
	if m == nil {
		return
	}
	m.sessionRequests.WithLabelValues(result).Inc()
}

// Job records a scheduled job execution.
func (m *Metrics) Job(task, status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(task, status).Inc()
}
