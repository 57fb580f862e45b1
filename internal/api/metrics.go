package api

import (
	"strconv"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are registered on a per-server registry so several servers (and
// tests) can coexist in one process.
type metrics struct {
	reg *prometheus.Registry

	forwardTotal    *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	forwardNodes    prometheus.Histogram
	cachedModels    prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &metrics{
		reg: reg,
		forwardTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pdc_forward_requests_total",
			Help: "Forward requests by model and response status",
		}, []string{"model", "status"}),
		forwardDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pdc_forward_duration_seconds",
			Help:    "Network forward duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"model"}),
		forwardNodes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdc_forward_batch_nodes",
			Help:    "Total padded nodes per forward batch",
			Buckets: []float64{8, 16, 32, 64, 128, 256, 512, 1024, 4096},
		}),
		cachedModels: f.NewGauge(prometheus.GaugeOpts{
			Name: "pdc_cached_models",
			Help: "Networks held in the model cache",
		}),
	}
}

func (m *metrics) observeStatus(model string, status int) {
	if model == "" {
		model = "unknown"
	}
	m.forwardTotal.WithLabelValues(model, strconv.Itoa(status)).Inc()
}

func (m *metrics) handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
	return func(c *echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
