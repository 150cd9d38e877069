package annbench

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines an interface for collecting benchmark metrics.
// Every collector is also a bench.Recorder, so it can observe the ingestion and
// query phases directly.
type MetricsCollector interface {
	// RecordIngest is called after each document is handed to the index.
	// docs is the number of documents added, err is nil if successful.
	RecordIngest(docs int, duration time.Duration, err error)

	// RecordQuery is called after each query. recall is the fraction of the
	// ground-truth neighbors that were retrieved; warmup queries carry no recall.
	RecordQuery(duration time.Duration, recall float64, warmup bool, err error)

	// RecordRun is called once a run finished.
	RecordRun(algo string, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordIngest(int, time.Duration, error)          {}
func (NoopMetricsCollector) RecordQuery(time.Duration, float64, bool, error) {}
func (NoopMetricsCollector) RecordRun(string, time.Duration, error)          {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsCollector struct {
	IngestDocs       atomic.Int64
	IngestErrors     atomic.Int64
	IngestTotalNanos atomic.Int64
	QueryCount       atomic.Int64
	WarmupCount      atomic.Int64
	QueryErrors      atomic.Int64
	QueryTotalNanos  atomic.Int64
	RunCount         atomic.Int64
	RunErrors        atomic.Int64

	mu        sync.Mutex
	recallSum float64
}

// RecordIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIngest(docs int, duration time.Duration, err error) {
	if err != nil {
		b.IngestErrors.Add(1)
		return
	}
	b.IngestDocs.Add(int64(docs))
	b.IngestTotalNanos.Add(duration.Nanoseconds())
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(duration time.Duration, recall float64, warmup bool, err error) {
	if err != nil {
		b.QueryErrors.Add(1)
		return
	}
	if warmup {
		b.WarmupCount.Add(1)
		return
	}
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())

	b.mu.Lock()
	b.recallSum += recall
	b.mu.Unlock()
}

// RecordRun implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRun(_ string, _ time.Duration, err error) {
	b.RunCount.Add(1)
	if err != nil {
		b.RunErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	b.mu.Lock()
	recallSum := b.recallSum
	b.mu.Unlock()

	queries := b.QueryCount.Load()
	stats := BasicMetricsStats{
		IngestDocs:     b.IngestDocs.Load(),
		IngestErrors:   b.IngestErrors.Load(),
		QueryCount:     queries,
		WarmupCount:    b.WarmupCount.Load(),
		QueryErrors:    b.QueryErrors.Load(),
		RunCount:       b.RunCount.Load(),
		RunErrors:      b.RunErrors.Load(),
		IngestAvgNanos: avg(b.IngestTotalNanos.Load(), b.IngestDocs.Load()),
		QueryAvgNanos:  avg(b.QueryTotalNanos.Load(), queries),
	}
	if queries > 0 {
		stats.AvgRecall = recallSum / float64(queries)
	}
	return stats
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	IngestDocs     int64
	IngestErrors   int64
	IngestAvgNanos int64
	QueryCount     int64
	WarmupCount    int64
	QueryErrors    int64
	QueryAvgNanos  int64
	AvgRecall      float64
	RunCount       int64
	RunErrors      int64
}

// MetricsFile is the Prometheus text exposition written into each run directory.
const MetricsFile = "metrics.prom"

// PrometheusCollector records metrics on its own registry so that each run can be
// dumped in isolation with WriteToTextfile.
type PrometheusCollector struct {
	registry *prometheus.Registry

	ingested      *prometheus.CounterVec
	ingestLatency prometheus.Histogram
	queries       *prometheus.CounterVec
	queryLatency  *prometheus.HistogramVec
	recall        prometheus.Histogram
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
}

// NewPrometheusCollector creates a collector with a private registry.
func NewPrometheusCollector() *PrometheusCollector {
	p := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "annbench_documents_ingested_total",
			Help: "Documents handed to the index",
		}, []string{"status"}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "annbench_ingest_latency_seconds",
			Help:    "Latency of single document additions",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "annbench_queries_total",
			Help: "Queries issued",
		}, []string{"phase", "status"}),
		queryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "annbench_query_latency_seconds",
			Help:    "Latency of single queries",
			Buckets: prometheus.ExponentialBuckets(1e-5, 2, 18),
		}, []string{"phase"}),
		recall: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "annbench_query_recall_ratio",
			Help:    "Per-query recall",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "annbench_runs_total",
			Help: "Benchmark runs completed",
		}, []string{"algorithm", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "annbench_run_duration_seconds",
			Help:    "Wall time of benchmark runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 12),
		}, []string{"algorithm"}),
	}

	p.registry.MustRegister(
		p.ingested,
		p.ingestLatency,
		p.queries,
		p.queryLatency,
		p.recall,
		p.runs,
		p.runDuration,
	)
	return p
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordIngest implements MetricsCollector.
func (p *PrometheusCollector) RecordIngest(docs int, duration time.Duration, err error) {
	p.ingested.WithLabelValues(status(err)).Add(float64(docs))
	if err == nil {
		p.ingestLatency.Observe(duration.Seconds())
	}
}

// RecordQuery implements MetricsCollector.
func (p *PrometheusCollector) RecordQuery(duration time.Duration, recall float64, warmup bool, err error) {
	phase := "measured"
	if warmup {
		phase = "warmup"
	}
	p.queries.WithLabelValues(phase, status(err)).Inc()
	if err != nil {
		return
	}
	p.queryLatency.WithLabelValues(phase).Observe(duration.Seconds())
	if !warmup {
		p.recall.Observe(recall)
	}
}

// RecordRun implements MetricsCollector.
func (p *PrometheusCollector) RecordRun(algo string, duration time.Duration, err error) {
	p.runs.WithLabelValues(algo, status(err)).Inc()
	p.runDuration.WithLabelValues(algo).Observe(duration.Seconds())
}

// Registry exposes the private registry, e.g. for an HTTP handler.
func (p *PrometheusCollector) Registry() *prometheus.Registry { return p.registry }

// WriteToTextfile dumps the current metrics in the text exposition format.
func (p *PrometheusCollector) WriteToTextfile(filename string) error {
	return prometheus.WriteToTextfile(filename, p.registry)
}

// multiCollector fans out to several collectors.
type multiCollector []MetricsCollector

func (m multiCollector) RecordIngest(docs int, duration time.Duration, err error) {
	for _, c := range m {
		c.RecordIngest(docs, duration, err)
	}
}

func (m multiCollector) RecordQuery(duration time.Duration, recall float64, warmup bool, err error) {
	for _, c := range m {
		c.RecordQuery(duration, recall, warmup, err)
	}
}

func (m multiCollector) RecordRun(algo string, duration time.Duration, err error) {
	for _, c := range m {
		c.RecordRun(algo, duration, err)
	}
}
