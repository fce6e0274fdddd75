// Package metrics holds the Prometheus collectors of the client.
//
// Collectors live in a private registry so tests can build as many
// instances as they like. Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netpulse"

type Metrics struct {
	reg *prometheus.Registry

	eventsFolded  *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	wsReconnects  prometheus.Counter
	wsConnected   prometheus.Gauge
	apiRequests   *prometheus.CounterVec
	apiDuration   *prometheus.HistogramVec
	breakerState  *prometheus.GaugeVec
	runs          *prometheus.CounterVec
	lastResult    *prometheus.GaugeVec
	apiUp         prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		eventsFolded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_folded_total",
			Help:      "Push events applied to the test state, by kind.",
		}, []string{"kind"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound messages dropped before reaching the test state, by reason.",
		}, []string{"reason"}),
		wsReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_reconnects_total",
			Help:      "WebSocket reconnect attempts.",
		}),
		wsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connected",
			Help:      "1 while the push-event socket is open.",
		}),
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Backend HTTP requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		apiDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Backend HTTP request latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"endpoint"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Speed-test runs by outcome.",
		}, []string{"outcome"}),
		lastResult: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_result",
			Help:      "Metrics of the last completed run (Mbps, ms, percent).",
		}, []string{"metric"}),
		apiUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_up",
			Help:      "1 when the last health check succeeded.",
		}),
	}
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) EventFolded(kind string) {
	if m == nil {
		return
	}
	m.eventsFolded.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) WSReconnect() {
	if m == nil {
		return
	}
	m.wsReconnects.Inc()
}

func (m *Metrics) WSConnected(up bool) {
	if m == nil {
		return
	}
	m.wsConnected.Set(boolGauge(up))
}

func (m *Metrics) APIRequest(endpoint, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(endpoint, outcome).Inc()
	m.apiDuration.WithLabelValues(endpoint).Observe(took.Seconds())
}

func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) Run(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// LastResult records the headline numbers of a completed run.
func (m *Metrics) LastResult(download, upload, latency, jitter, packetLoss, quality float64) {
	if m == nil {
		return
	}
	m.lastResult.WithLabelValues("download_mbps").Set(download)
	m.lastResult.WithLabelValues("upload_mbps").Set(upload)
	m.lastResult.WithLabelValues("latency_ms").Set(latency)
	m.lastResult.WithLabelValues("jitter_ms").Set(jitter)
	m.lastResult.WithLabelValues("packet_loss_pct").Set(packetLoss)
	m.lastResult.WithLabelValues("quality_score").Set(quality)
}

func (m *Metrics) APIUp(up bool) {
	if m == nil {
		return
	}
	m.apiUp.Set(boolGauge(up))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
