package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	TokensTotal    *prometheus.CounterVec

	// Middleware-level instruments: these see every response, including
	// rejections from stages that end the request before dispatch.
	HTTPResponses *prometheus.CounterVec
	HTTPLatency   *prometheus.HistogramVec

	UpstreamRetries *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	ShedRejected   prometheus.Counter
	BudgetRejected prometheus.Counter
	InFlight       prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelbridge_requests_total",
			Help: "Total requests routed through modelbridge",
		}, []string{"endpoint", "model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelbridge_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"endpoint", "model", "provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelbridge_tokens_total",
			Help: "Prompt and completion tokens reported by upstreams",
		}, []string{"model", "provider", "direction"}),
		HTTPResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelbridge_http_responses_total",
			Help: "HTTP responses by path and status, counted at the middleware layer",
		}, []string{"path", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelbridge_http_latency_ms",
			Help:    "Wall time per HTTP request in milliseconds, counted at the middleware layer",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"path"}),
		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelbridge_upstream_retries_total",
			Help: "Retry attempts against upstream providers",
		}, []string{"provider"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelbridge_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		}, []string{"provider"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelbridge_prompt_cache_hits_total",
			Help: "Prompt cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelbridge_prompt_cache_misses_total",
			Help: "Prompt cache misses",
		}),
		ShedRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelbridge_shed_rejected_total",
			Help: "Requests rejected by the load shedder",
		}),
		BudgetRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelbridge_budget_rejected_total",
			Help: "Requests rejected by the token budget",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelbridge_in_flight_requests",
			Help: "Requests currently being served",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.TokensTotal,
		m.HTTPResponses, m.HTTPLatency,
		m.UpstreamRetries, m.BreakerState,
		m.CacheHits, m.CacheMisses,
		m.ShedRejected, m.BudgetRejected, m.InFlight,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveBreaker maps a breaker state name onto the state gauge.
func (m *Registry) ObserveBreaker(provider, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(provider).Set(v)
}
