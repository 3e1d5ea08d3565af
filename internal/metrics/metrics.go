// Package metrics exposes ingestion counters over Prometheus. Every
// counter that varies by source carries a source label so the REST and
// GTFS-RT pipelines can be graphed side by side.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbtatracker-data/internal/common/logger"
	"github.com/mbtatracker-data/internal/ingest"
)

type Collector struct {
	reg *prometheus.Registry

	Cycles      *prometheus.CounterVec // source
	Fetched     *prometheus.CounterVec // source
	Accepted    *prometheus.CounterVec // source
	Rejected    *prometheus.CounterVec // source
	Inserted    *prometheus.CounterVec // source
	Updated     *prometheus.CounterVec // source
	Failures    *prometheus.CounterVec // source, kind
	MissedTicks *prometheus.CounterVec // source

	CycleDuration *prometheus.HistogramVec // source
	RateLimitWait prometheus.Histogram

	Degraded *prometheus.GaugeVec // source

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_cycles_total",
			Help: "Total completed ingestion cycles.",
		}, []string{"source"}),
		Fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_fetched_total",
			Help: "Total candidate records fetched from upstream.",
		}, []string{"source"}),
		Accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_accepted_total",
			Help: "Total records that passed validation.",
		}, []string{"source"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_rejected_total",
			Help: "Total records rejected by decoding or validation.",
		}, []string{"source"}),
		Inserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_rows_inserted_total",
			Help: "Total new rows written to storage.",
		}, []string{"source"}),
		Updated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_rows_updated_total",
			Help: "Total existing rows superseded in storage.",
		}, []string{"source"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_cycle_failures_total",
			Help: "Total failed cycles by failure kind.",
		}, []string{"source", "kind"}),
		MissedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_missed_ticks_total",
			Help: "Total scheduler ticks skipped because a cycle was still running.",
		}, []string{"source"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_cycle_duration_seconds",
			Help:    "Duration of complete ingestion cycles.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"source"}),
		RateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_ratelimit_wait_seconds",
			Help:    "Time requests spent blocked at the rate ceiling.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		Degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_source_degraded",
			Help: "1 if the source has hit the consecutive failure threshold.",
		}, []string{"source"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_nats_connected",
			Help: "1 if the NATS connection is established, 0 otherwise.",
		}),
	}

	reg.MustRegister(
		c.Cycles, c.Fetched, c.Accepted, c.Rejected,
		c.Inserted, c.Updated, c.Failures, c.MissedTicks,
		c.CycleDuration, c.RateLimitWait, c.Degraded,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
	)

	return c
}

// ObserveCycle records the counters for one completed cycle.
func (c *Collector) ObserveCycle(result ingest.CycleResult) {
	c.Cycles.WithLabelValues(result.Source).Inc()
	c.Fetched.WithLabelValues(result.Source).Add(float64(result.Fetched))
	c.Accepted.WithLabelValues(result.Source).Add(float64(result.Accepted))
	c.Rejected.WithLabelValues(result.Source).Add(float64(result.Rejected))
	c.Inserted.WithLabelValues(result.Source).Add(float64(result.Inserted))
	c.Updated.WithLabelValues(result.Source).Add(float64(result.Updated))
	c.CycleDuration.WithLabelValues(result.Source).Observe(result.Duration.Seconds())
}

// ObserveFailure records one failed cycle under its taxonomy kind.
func (c *Collector) ObserveFailure(source, kind string) {
	c.Failures.WithLabelValues(source, kind).Inc()
}

// ObserveRateLimitWait records time a request spent blocked at the ceiling.
func (c *Collector) ObserveRateLimitWait(d time.Duration) {
	c.RateLimitWait.Observe(d.Seconds())
}

// MissedTick records a scheduler tick skipped due to an in-flight cycle.
func (c *Collector) MissedTick(source string) {
	c.MissedTicks.WithLabelValues(source).Inc()
}

// SetDegraded flips the per-source health gauge.
func (c *Collector) SetDegraded(source string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	c.Degraded.WithLabelValues(source).Set(v)
}

// Publisher counters, wired into the NATS publisher.

func (c *Collector) PublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) PublishErrInc() { c.NATSPublishErrs.Inc() }
func (c *Collector) SetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr in a background goroutine.
func (c *Collector) Serve(addr string, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server error", "error", err)
		}
	}()
	log.Info("Metrics listening", "addr", addr)
	return srv
}
