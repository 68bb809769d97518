package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/him"
)

// PrometheusCollector implements him.MetricsCollector with Prometheus
// metrics.
type PrometheusCollector struct {
	opLatency    *prometheus.HistogramVec
	tilesPut     *prometheus.CounterVec
	bytesWritten prometheus.Counter
	queryResults prometheus.Histogram
	hints        prometheus.Counter
	httpRequests *prometheus.CounterVec
}

var _ him.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates the collector and registers its metrics
// with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "him_operation_latency_seconds",
			Help:    "Latency of tile store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		tilesPut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "him_tiles_put_total",
			Help: "Tiles ingested, by whether the payload was written or unchanged",
		}, []string{"result"}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "him_payload_bytes_written_total",
			Help: "Payload bytes written to the blob store",
		}),
		queryResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "him_query_results",
			Help:    "Tiles returned per snapshot listing",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		hints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "him_hints_logged_total",
			Help: "Prefetch hints appended to the hint log",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "him_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(c.opLatency, c.tilesPut, c.bytesWritten, c.queryResults, c.hints, c.httpRequests)
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordPutTiles implements him.MetricsCollector.
func (c *PrometheusCollector) RecordPutTiles(count, written int, bytes int64, d time.Duration, err error) {
	c.opLatency.WithLabelValues("put_tiles", status(err)).Observe(d.Seconds())
	if err != nil {
		return
	}
	c.tilesPut.WithLabelValues("written").Add(float64(written))
	c.tilesPut.WithLabelValues("unchanged").Add(float64(count - written))
	c.bytesWritten.Add(float64(bytes))
}

// RecordGetTile implements him.MetricsCollector.
func (c *PrometheusCollector) RecordGetTile(d time.Duration, err error) {
	c.opLatency.WithLabelValues("get_tile", status(err)).Observe(d.Seconds())
}

// RecordQuery implements him.MetricsCollector.
func (c *PrometheusCollector) RecordQuery(results int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("tiles_for_snapshot", status(err)).Observe(d.Seconds())
	if err == nil {
		c.queryResults.Observe(float64(results))
	}
}

// RecordHints implements him.MetricsCollector.
func (c *PrometheusCollector) RecordHints(count int, err error) {
	if err == nil {
		c.hints.Add(float64(count))
	}
}

func (c *PrometheusCollector) recordRequest(route string, code int) {
	c.httpRequests.WithLabelValues(route, httpCode(code)).Inc()
}
