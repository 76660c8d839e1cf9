package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-translate/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter
	ratelimitClients       prometheus.Gauge
	ratelimitSweptTotal    prometheus.Counter

	hostRejectedTotal    *prometheus.CounterVec
	staticForbiddenTotal prometheus.Counter
	renderErrorsTotal    prometheus.Counter

	translateTotal    *prometheus.CounterVec
	translateDuration *prometheus.HistogramVec

	bundleInfo         *prometheus.GaugeVec
	bundleLoadDuration prometheus.Histogram
	bundleLoadedTs     prometheus.Gauge

	profilingActive prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 9),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total POST requests rejected by the rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Times the rate limiter client table filled up",
		}),
		ratelimitClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_tracked_clients",
			Help: "Clients held by the rate limiter after the last sweep",
		}),
		ratelimitSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_swept_entries_total",
			Help: "Expired rate limiter entries removed by the sweeper",
		}),
		hostRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_host_rejected_total",
			Help: "Requests rejected before routing by reason (host, url)",
		}, []string{"reason"}),
		staticForbiddenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "static_forbidden_total",
			Help: "Static asset requests that tried to leave the build directory",
		}),
		renderErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_upstream_errors_total",
			Help: "Failed calls to the rendering upstream",
		}),
		translateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "translate_requests_total",
			Help: "Translation requests by outcome (ok, error, cancelled)",
		}, []string{"outcome"}),
		translateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "translate_inference_duration_seconds",
			Help:    "Time spent waiting on the inference API by outcome",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120},
		}, []string{"outcome"}),
		bundleInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "client_bundle_info",
			Help: "Active client build (labels carry identity, value is always 1)",
		}, []string{"sha256", "signed"}),
		bundleLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "client_bundle_load_duration_seconds",
			Help:    "Time to download, verify, and extract the client build",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		bundleLoadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "client_bundle_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the client build was loaded",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.ratelimitClients,
		m.ratelimitSweptTotal,
		m.hostRejectedTotal,
		m.staticForbiddenTotal,
		m.renderErrorsTotal,
		m.translateTotal,
		m.translateDuration,
		m.bundleInfo,
		m.bundleLoadDuration,
		m.bundleLoadedTs,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

// OnRateLimitCapacity matches ratelimit.WithOnCapacity.
func (m *ServerMetrics) OnRateLimitCapacity(int) {
	m.ratelimitCapacityTotal.Inc()
}

// OnRateLimitSweep matches the callback taken by ratelimit.Limiter.Run.
func (m *ServerMetrics) OnRateLimitSweep(removed, remaining int) {
	m.ratelimitSweptTotal.Add(float64(removed))
	m.ratelimitClients.Set(float64(remaining))
}

func (m *ServerMetrics) IncHostRejected(reason string) {
	m.hostRejectedTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncStaticForbidden() {
	m.staticForbiddenTotal.Inc()
}

func (m *ServerMetrics) IncRenderError() {
	m.renderErrorsTotal.Inc()
}

// ObserveTranslate matches translate.Options.OnResult.
func (m *ServerMetrics) ObserveTranslate(outcome string, d time.Duration) {
	m.translateTotal.WithLabelValues(outcome).Inc()
	m.translateDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *ServerMetrics) SetClientBundle(sha256 string, signed bool, loadedAt time.Time, took time.Duration) {
	m.bundleInfo.Reset()
	m.bundleInfo.WithLabelValues(sha256, strconv.FormatBool(signed)).Set(1)
	m.bundleLoadedTs.Set(float64(loadedAt.Unix()))
	m.bundleLoadDuration.Observe(took.Seconds())
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
