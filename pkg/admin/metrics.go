package admin

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jnovack/offlineweb/pkg/rules"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing request durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics holds the proxy's Prometheus collectors plus the in-flight list rendered by /statusz.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inflight        prometheus.Gauge
	originErrors    prometheus.Counter
	cacheFills      *prometheus.CounterVec
	certificates    *prometheus.CounterVec
	ruleCount       *prometheus.GaugeVec

	registry *prometheus.Registry

	mu           sync.Mutex
	inflightList map[string]time.Time
}

// NewMetrics creates a Metrics instance on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offlineweb",
			Name:      "requests_total",
			Help:      "Requests processed by outcome and status.",
		}, []string{"outcome", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "offlineweb",
			Name:      "request_duration_seconds",
			Help:      "Request duration by outcome.",
			Buckets:   HistogramBuckets,
		}, []string{"outcome"}),

		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offlineweb",
			Name:      "inflight_requests",
			Help:      "In-flight requests.",
		}),

		originErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offlineweb",
			Name:      "origin_errors_total",
			Help:      "Errors or timeouts contacting the origin.",
		}),

		cacheFills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offlineweb",
			Name:      "cache_fills_total",
			Help:      "Response cache fills by result (stored, coalesced, error).",
		}, []string{"result"}),

		certificates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offlineweb",
			Name:      "certificates_total",
			Help:      "Host certificate lookups by outcome (hit, issued, coalesced, error).",
		}, []string{"outcome"}),

		ruleCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "offlineweb",
			Name:      "rules",
			Help:      "Loaded policy patterns per section.",
		}, []string{"section"}),

		registry:     reg,
		inflightList: make(map[string]time.Time),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.inflight,
		m.originErrors,
		m.cacheFills,
		m.certificates,
		m.ruleCount,
	)
	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// InflightAdd records an inflight request with id.
func (m *Metrics) InflightAdd(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflightList[id] = time.Now()
	m.inflight.Set(float64(len(m.inflightList)))
}

// InflightRemove removes an inflight request id.
func (m *Metrics) InflightRemove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflightList, id)
	m.inflight.Set(float64(len(m.inflightList)))
}

// Inflight returns a snapshot of in-flight request ids and their start times.
func (m *Metrics) Inflight() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.inflightList))
	for k, v := range m.inflightList {
		out[k] = v
	}
	return out
}

// ObserveRequest records a completed request.
func (m *Metrics) ObserveRequest(outcome string, status int, seconds float64) {
	m.requestsTotal.WithLabelValues(outcome, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) IncOriginErrors()              { m.originErrors.Inc() }
func (m *Metrics) IncCacheFill(result string)    { m.cacheFills.WithLabelValues(result).Inc() }
func (m *Metrics) IncCertificate(outcome string) { m.certificates.WithLabelValues(outcome).Inc() }

// SetRuleCounts publishes the number of patterns loaded per policy section.
func (m *Metrics) SetRuleCounts(counts map[rules.Section]int) {
	for section, n := range counts {
		m.ruleCount.WithLabelValues(string(section)).Set(float64(n))
	}
}
