package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the sentencemix server.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal prometheus.Counter
	httpErrorsTotal   prometheus.Counter

	clientRequestsTotal *prometheus.CounterVec
	clientErrorsTotal   *prometheus.CounterVec
	deliveredTotal      prometheus.Counter
	droppedTotal        prometheus.Counter
	previewsTotal       prometheus.Counter
	ambiguitiesTotal    prometheus.Counter
	pipelineFailures    *prometheus.CounterVec
	downloadsTotal      *prometheus.CounterVec
	exportsTotal        prometheus.Counter

	activeSessions prometheus.Gauge
	projects       prometheus.Gauge
	cacheEntries   prometheus.Gauge
	cacheHits      prometheus.Gauge
	cacheMisses    prometheus.Gauge
	engineCalls    prometheus.Gauge
}

// New creates and registers Prometheus metrics for the server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sm_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		httpErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sm_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		clientRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_client_requests_total",
			Help: "Client messages handled, by request kind",
		}, []string{"kind"}),
		clientErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_client_errors_total",
			Help: "Client messages rejected, by error code",
		}, []string{"code"}),
		deliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sm_messages_delivered_total",
			Help: "Outbound messages queued to a session",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sm_messages_dropped_total",
			Help: "Outbound messages dropped because the session outbox was full or closed",
		}),
		previewsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sm_previews_total",
			Help: "Previews broadcast to project members",
		}),
		ambiguitiesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sm_ambiguities_total",
			Help: "Sentences reported as ambiguous",
		}),
		pipelineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_pipeline_failures_total",
			Help: "Preview and export pipeline failures, by stage",
		}, []string{"stage"}),
		downloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_downloads_total",
			Help: "Download batches finished, by result",
		}, []string{"result"}),
		exportsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sm_exports_total",
			Help: "Final renders broadcast to project members",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sm_active_sessions",
			Help: "Number of connected sessions",
		}),
		projects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sm_projects",
			Help: "Number of projects held in memory",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sm_analysis_cache_entries",
			Help: "Sentences memoized by the analysis cache",
		}),
		cacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sm_analysis_cache_hits",
			Help: "Analysis lookups served from the cache since start",
		}),
		cacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sm_analysis_cache_misses",
			Help: "Analysis lookups not found in the cache since start",
		}),
		engineCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sm_analysis_engine_calls",
			Help: "Invocations of the external analysis engine since start",
		}),
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpErrorsTotal,
		m.clientRequestsTotal,
		m.clientErrorsTotal,
		m.deliveredTotal,
		m.droppedTotal,
		m.previewsTotal,
		m.ambiguitiesTotal,
		m.pipelineFailures,
		m.downloadsTotal,
		m.exportsTotal,
		m.activeSessions,
		m.projects,
		m.cacheEntries,
		m.cacheHits,
		m.cacheMisses,
		m.engineCalls,
	)

	return m
}

// IncHTTPRequests increments the total HTTP request counter.
func (m *Metrics) IncHTTPRequests() {
	if m == nil {
		return
	}
	m.httpRequestsTotal.Inc()
}

// IncHTTPErrors increments the HTTP error counter.
func (m *Metrics) IncHTTPErrors() {
	if m == nil {
		return
	}
	m.httpErrorsTotal.Inc()
}

// IncClientRequest counts one decoded client message of the given kind.
func (m *Metrics) IncClientRequest(kind string) {
	if m == nil {
		return
	}
	m.clientRequestsTotal.WithLabelValues(kind).Inc()
}

// IncClientError counts a rejected client message by error code.
func (m *Metrics) IncClientError(code string) {
	if m == nil {
		return
	}
	m.clientErrorsTotal.WithLabelValues(code).Inc()
}

// ObserveDelivery counts one outbound message as delivered or dropped.
func (m *Metrics) ObserveDelivery(delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.deliveredTotal.Inc()
		return
	}
	m.droppedTotal.Inc()
}

// IncPreviews increments the previews counter.
func (m *Metrics) IncPreviews() {
	if m == nil {
		return
	}
	m.previewsTotal.Inc()
}

// IncAmbiguities increments the ambiguity counter.
func (m *Metrics) IncAmbiguities() {
	if m == nil {
		return
	}
	m.ambiguitiesTotal.Inc()
}

// IncPipelineFailure counts a pipeline stopping at stage.
func (m *Metrics) IncPipelineFailure(stage string) {
	if m == nil {
		return
	}
	m.pipelineFailures.WithLabelValues(stage).Inc()
}

// IncDownloads counts a finished download batch ("ready" or "failed").
func (m *Metrics) IncDownloads(result string) {
	if m == nil {
		return
	}
	m.downloadsTotal.WithLabelValues(result).Inc()
}

// IncExports increments the exports counter.
func (m *Metrics) IncExports() {
	if m == nil {
		return
	}
	m.exportsTotal.Inc()
}

// SetActiveSessions sets the connected sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SetProjects sets the projects gauge.
func (m *Metrics) SetProjects(n int) {
	if m == nil {
		return
	}
	m.projects.Set(float64(n))
}

// SetAnalysisCache publishes analysis cache statistics.
func (m *Metrics) SetAnalysisCache(entries int, hits, misses, engineCalls uint64) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(entries))
	m.cacheHits.Set(float64(hits))
	m.cacheMisses.Set(float64(misses))
	m.engineCalls.Set(float64(engineCalls))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
