package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/zimageproxy/pkg/ratelimit"
	"github.com/lkarlslund/zimageproxy/pkg/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "zimageproxy"

// Generation modes used as the "mode" label.
const (
	modeImages     = "images"
	modeImagesPoll = "images_client_poll"
	modeChat       = "chat"
	modeChatStream = "chat_stream"
	modeWatch      = "watch"
)

type metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	generations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	active      prometheus.Gauge
	rateLimited prometheus.Counter
}

// newMetrics uses a private registry so several servers can coexist in one
// process, which tests rely on.
func newMetrics(health *upstream.Health, limiter *ratelimit.Limiter) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "method", "status"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generations_total",
			Help:      "Image generations by mode and result.",
		}, []string{"mode", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "generation_duration_seconds",
			Help:      "Time from submit to terminal outcome.",
			Buckets:   []float64{1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90},
		}, []string{"mode"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_generations",
			Help:      "Generations currently waiting on the upstream.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
	}
	upstreamUp := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "upstream_up",
		Help:      "1 when the last upstream call succeeded, 0 otherwise.",
	}, func() float64 {
		if health.Snapshot().Status == upstream.HealthOnline {
			return 1
		}
		return 0
	})
	limitedClients := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "rate_limit_clients",
		Help:      "Clients with an open rate-limit window.",
	}, func() float64 {
		return float64(limiter.Clients())
	})
	m.registry.MustRegister(
		m.requests,
		m.generations,
		m.duration,
		m.active,
		m.rateLimited,
		upstreamUp,
		limitedClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}

// track marks a generation as active and returns a func recording its result.
func (m *metrics) track(mode string) func(err error) {
	start := time.Now()
	m.active.Inc()
	return func(err error) {
		m.active.Dec()
		m.duration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
		m.generations.WithLabelValues(mode, resultLabel(err)).Inc()
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return errorCode(err)
}
