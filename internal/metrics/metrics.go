// Package metrics instruments the pipeline with Prometheus counters and
// histograms — grounded on etalazz-vsa's cmd/tfd-sim and the churn
// package's registration style (prometheus.NewCounter/NewHistogram plus
// an explicit MustRegister, exposed over promhttp).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every instrument the pipeline reports to. One Registry is
// built per process and threaded into each stage, avoiding the donor's
// module-level globals (§10's logging note applies equally to metrics).
type Registry struct {
	reg *prometheus.Registry

	postsFetched   *prometheus.CounterVec
	postsEnriched  *prometheus.CounterVec
	postsOrganized *prometheus.CounterVec
	postsWritten   *prometheus.CounterVec
	postsDropped   *prometheus.CounterVec

	stageLatency *prometheus.HistogramVec
	llmLatency   prometheus.Histogram
	llmRetries   prometheus.Counter
}

// New builds a Registry with all instruments registered against a fresh
// prometheus.Registry (not the global DefaultRegisterer, so tests can build
// independent instances without collisions).
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		postsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_posts_fetched_total",
			Help: "Total posts fetched, by source name and source type.",
		}, []string{"source_name", "source_type"}),
		postsEnriched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_posts_enriched_total",
			Help: "Total posts that completed the enrich stage, by source type.",
		}, []string{"source_type"}),
		postsOrganized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_posts_organized_total",
			Help: "Total posts organized, by domain and quality tier.",
		}, []string{"domain", "tier"}),
		postsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_posts_written_total",
			Help: "Total posts written to disk, by domain and quality tier.",
		}, []string{"domain", "tier"}),
		postsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_posts_dropped_total",
			Help: "Total posts dropped mid-pipeline, by stage and reason.",
		}, []string{"stage", "reason"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_stage_duration_seconds",
			Help:    "Per-item processing latency, by pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		llmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_llm_call_duration_seconds",
			Help:    "Latency of LLM chat-completion calls, including retries.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		llmRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_llm_retries_total",
			Help: "Total LLM call retry attempts across all posts.",
		}),
	}

	reg.MustRegister(
		m.postsFetched, m.postsEnriched, m.postsOrganized, m.postsWritten, m.postsDropped,
		m.stageLatency, m.llmLatency, m.llmRetries,
	)
	return m
}

// Handler returns the HTTP handler serving this Registry's /metrics
// exposition, for mounting behind the scheduler's health/metrics mux.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Registry) ObservePostFetched(sourceName, sourceType string) {
	m.postsFetched.WithLabelValues(sourceName, sourceType).Inc()
}

func (m *Registry) ObservePostEnriched(sourceType string) {
	m.postsEnriched.WithLabelValues(sourceType).Inc()
}

func (m *Registry) ObservePostOrganized(domain, tier string) {
	m.postsOrganized.WithLabelValues(domain, tier).Inc()
}

func (m *Registry) ObservePostWritten(domain, tier string) {
	m.postsWritten.WithLabelValues(domain, tier).Inc()
}

func (m *Registry) ObservePostDropped(stage, reason string) {
	m.postsDropped.WithLabelValues(stage, reason).Inc()
}

// StageTimer starts a latency observation for the named stage; call the
// returned func once the item has finished processing.
func (m *Registry) StageTimer(stage string) func() {
	start := time.Now()
	return func() {
		m.stageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (m *Registry) ObserveLLMCall(d time.Duration) {
	m.llmLatency.Observe(d.Seconds())
}

func (m *Registry) ObserveLLMRetry() {
	m.llmRetries.Inc()
}
