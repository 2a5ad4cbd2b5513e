package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credits"

// Compensation results.
const (
	CompensationRefunded = "refunded"
	CompensationFailed   = "failed"
)

// Collector owns the service's Prometheus instruments on a private registry.
type Collector struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	requestsInProgress *prometheus.GaugeVec

	ledgerOps           *prometheus.CounterVec
	ledgerLatency       *prometheus.HistogramVec
	insufficientCredits prometheus.Counter

	compensations    *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
}

// NewCollector creates the instruments and registers them together with the
// Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"endpoint", "status_code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		requestsInProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_progress",
			Help:      "Requests currently being served, by method.",
		}, []string{"method"}),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by journal kind and outcome.",
		}, []string{"kind", "outcome"}),
		ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Time spent in the ledger store per operation.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"kind"}),
		insufficientCredits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insufficient_credits_total",
			Help:      "Debits rejected because the wallet could not cover them.",
		}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Refunds issued after failed generation attempts, by result.",
		}, []string{"result"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "External generation calls by provider and result.",
		}, []string{"provider", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "External generation call latency.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests,
		c.requestDuration,
		c.requestsInProgress,
		c.ledgerOps,
		c.ledgerLatency,
		c.insufficientCredits,
		c.compensations,
		c.providerRequests,
		c.providerLatency,
	)
	return c
}

// Registry exposes the underlying registry, e.g. for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordRequest records a completed HTTP request.
func (c *Collector) RecordRequest(endpoint string, status int, duration time.Duration) {
	c.requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(method string) {
	c.requestsInProgress.WithLabelValues(method).Inc()
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(method string) {
	c.requestsInProgress.WithLabelValues(method).Dec()
}

// RecordLedgerOperation implements ledger.Recorder.
func (c *Collector) RecordLedgerOperation(kind, outcome string, elapsed time.Duration) {
	c.ledgerOps.WithLabelValues(kind, outcome).Inc()
	if outcome == "rejected" {
		c.insufficientCredits.Inc()
	}
	if elapsed > 0 {
		c.ledgerLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

// RecordCompensation counts a refund attempt after a failed generation.
func (c *Collector) RecordCompensation(result string) {
	c.compensations.WithLabelValues(result).Inc()
}

// RecordProviderRequest records an external generation call.
func (c *Collector) RecordProviderRequest(provider string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.providerRequests.WithLabelValues(provider, result).Inc()
	c.providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}
