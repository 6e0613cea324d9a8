// Package metrics exposes the prometheus instruments for the HTTP surface
// and the ingestion pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

// Metrics holds every registered instrument. A single instance is shared by
// the API server and the workers.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	RowsInserted     *prometheus.CounterVec
	RowsDeduplicated *prometheus.CounterVec
	RowsRejected     *prometheus.CounterVec
	JobsCompleted    *prometheus.CounterVec
	ChunkRetries     prometheus.Counter
	QueueDepth       prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdash_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketdash_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		RowsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdash_rows_inserted_total",
			Help: "Rows inserted by dataset type.",
		}, []string{"type"}),
		RowsDeduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdash_rows_deduplicated_total",
			Help: "Rows skipped by fingerprint dedup, by dataset type.",
		}, []string{"type"}),
		RowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdash_rows_rejected_total",
			Help: "Rows rejected during normalization, by reason.",
		}, []string{"reason"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdash_jobs_total",
			Help: "Ingestion jobs by terminal status.",
		}, []string{"status"}),
		ChunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketdash_chunk_retries_total",
			Help: "Chunk processing retries.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketdash_queue_depth",
			Help: "Pending tasks on the ingestion queue at last observation.",
		}),
	}

	registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.RowsInserted,
		m.RowsDeduplicated,
		m.RowsRejected,
		m.JobsCompleted,
		m.ChunkRetries,
		m.QueueDepth,
	)
	return m
}

// Handler serves the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// GinMiddleware records request counts and latency per route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

var Module = fx.Module("metrics",
	fx.Provide(New),
)
