// Package metrics exposes pipeline and HTTP metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wanote/internal/bus"
)

const namespace = "wanote"

// Metrics owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Transitions     *prometheus.CounterVec
	PipelineSeconds *prometheus.HistogramVec
	InFlight        prometheus.Gauge
	WhitelistSize   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_transitions_total",
				Help:      "Pipeline state transitions by source, event and outcome.",
			},
			[]string{"source", "event", "outcome"},
		),
		PipelineSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Time from acceptance to the end of a message pipeline.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 180},
			},
			[]string{"source"},
		),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_in_flight",
			Help:      "Messages currently being processed.",
		}),
		WhitelistSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "whitelist_entries",
			Help:      "Entries in the current allow-list snapshot.",
		}),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status_code"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Subscribe counts every pipeline event published on eb.
func (m *Metrics) Subscribe(eb *bus.EventBus) {
	eb.On("*", func(e bus.Event) {
		outcome, _ := e.Detail["outcome"].(string)
		m.Transitions.WithLabelValues(e.Source, e.Type, outcome).Inc()
		if e.Type == bus.EventDone {
			if d, ok := e.Detail["duration"].(time.Duration); ok {
				m.PipelineSeconds.WithLabelValues(e.Source).Observe(d.Seconds())
			}
		}
	})
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
	})
}
