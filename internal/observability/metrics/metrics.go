// Package metrics holds the Prometheus collectors for the alert pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "newsalert"

// Metrics is a private registry so tests and embedded uses never collide
// with the global default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	ItemsIngested  prometheus.Counter
	ItemsNew       prometheus.Counter
	ItemsDuplicate prometheus.Counter
	ItemsRejected  prometheus.Counter

	Deliveries    *prometheus.CounterVec
	BatchDuration prometheus.Histogram
	SendDuration  prometheus.Histogram
	StoreErrors   *prometheus.CounterVec

	FeedConnections *prometheus.GaugeVec
	FeedReconnects  *prometheus.CounterVec
	Subscribers     prometheus.Gauge
	Pruned          prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ItemsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_ingested_total",
			Help: "Items received from feed sources, including duplicates and rejects.",
		}),
		ItemsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_new_total",
			Help: "Items seen for the first time within the dedup window.",
		}),
		ItemsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_duplicate_total",
			Help: "Items suppressed as duplicates.",
		}),
		ItemsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_rejected_total",
			Help: "Malformed items dropped at ingestion.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Alert sends by result.",
		}, []string{"result"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_duration_seconds",
			Help:    "Time to ingest and dispatch one batch.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "send_duration_seconds",
			Help:    "Latency of a single outbound send including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_errors_total",
			Help: "Dedup store or registry failures by stage.",
		}, []string{"stage"}),
		FeedConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "feed_connected",
			Help: "1 while a feed source holds a live connection.",
		}, []string{"source"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_reconnects_total",
			Help: "Feed connection attempts after a failure.",
		}, []string{"source"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscribers",
			Help: "Recipients in the last registry snapshot.",
		}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "seen_pruned_total",
			Help: "Expired seen records removed by the janitor.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ItemsIngested, m.ItemsNew, m.ItemsDuplicate, m.ItemsRejected,
		m.Deliveries, m.BatchDuration, m.SendDuration, m.StoreErrors,
		m.FeedConnections, m.FeedReconnects, m.Subscribers, m.Pruned,
	)
	return m
}

// Delivery records one send outcome.
func (m *Metrics) Delivery(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	res := "ok"
	if !ok {
		res = "failed"
	}
	m.Deliveries.WithLabelValues(res).Inc()
	m.SendDuration.Observe(took.Seconds())
}

// FeedUp flips the connection gauge for source.
func (m *Metrics) FeedUp(source string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.FeedConnections.WithLabelValues(source).Set(v)
}

func (m *Metrics) FeedReconnect(source string) {
	if m == nil {
		return
	}
	m.FeedReconnects.WithLabelValues(source).Inc()
}

func (m *Metrics) StoreError(stage string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(stage).Inc()
}

// Batch records the ingestion partition of one batch.
func (m *Metrics) Batch(size, fresh, dups, rejected int, took time.Duration) {
	if m == nil {
		return
	}
	m.ItemsIngested.Add(float64(size))
	m.ItemsNew.Add(float64(fresh))
	m.ItemsDuplicate.Add(float64(dups))
	m.ItemsRejected.Add(float64(rejected))
	m.BatchDuration.Observe(took.Seconds())
}
