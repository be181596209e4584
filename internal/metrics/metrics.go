// Package metrics collects Prometheus metrics for the commit pipeline:
// ingest rates, queue depths, record throughput and recovery time. The
// collector registers on its own registry so embedding applications keep
// control of the default one; all methods are safe on a nil collector so
// the engine can run without metrics configured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pipeline metrics.
type Collector struct {
	registry *prometheus.Registry

	commitsQueued    prometheus.Counter
	commitBytes      prometheus.Counter
	recordsWritten   prometheus.Counter
	recordsEnacted   prometheus.Counter
	reindexBatches   prometheus.Counter
	backgroundErrors prometheus.Counter

	commitQueueBytes prometheus.Gauge
	logQueueBytes    prometheus.Gauge
	recoverySeconds  prometheus.Gauge
}

// NewCollector creates and registers the pipeline metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commitsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaverdb_commits_total",
			Help: "Total commits accepted into the commit queue",
		}),
		commitBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaverdb_commit_bytes_total",
			Help: "Total user bytes accepted into the commit queue",
		}),
		recordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaverdb_records_written_total",
			Help: "Total write-ahead records appended to the log",
		}),
		recordsEnacted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaverdb_records_enacted_total",
			Help: "Total write-ahead records applied to the column tables",
		}),
		reindexBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaverdb_reindex_batches_total",
			Help: "Total reindex batches relocated between index generations",
		}),
		backgroundErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaverdb_background_errors_total",
			Help: "Total fatal errors observed by background workers",
		}),
		commitQueueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beaverdb_commit_queue_bytes",
			Help: "Bytes currently queued for the log worker",
		}),
		logQueueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beaverdb_log_queue_bytes",
			Help: "Bytes written to the log but not yet enacted",
		}),
		recoverySeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beaverdb_recovery_seconds",
			Help: "Duration of the last startup replay",
		}),
	}
	c.registry.MustRegister(
		c.commitsQueued, c.commitBytes,
		c.recordsWritten, c.recordsEnacted,
		c.reindexBatches, c.backgroundErrors,
		c.commitQueueBytes, c.logQueueBytes, c.recoverySeconds,
	)
	return c
}

// Handler exposes the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// CommitQueued records one accepted commit and the current queue depth.
func (c *Collector) CommitQueued(bytes, queueBytes int) {
	if c == nil {
		return
	}
	c.commitsQueued.Inc()
	c.commitBytes.Add(float64(bytes))
	c.commitQueueBytes.Set(float64(queueBytes))
}

// RecordWritten records one appended log record and the log queue depth.
func (c *Collector) RecordWritten(logQueueBytes int64) {
	if c == nil {
		return
	}
	c.recordsWritten.Inc()
	c.logQueueBytes.Set(float64(logQueueBytes))
}

// RecordEnacted records one enacted log record and the log queue depth.
func (c *Collector) RecordEnacted(logQueueBytes int64) {
	if c == nil {
		return
	}
	c.recordsEnacted.Inc()
	c.logQueueBytes.Set(float64(logQueueBytes))
}

// SetCommitQueueBytes updates the queue depth after the log worker drains
// a commit.
func (c *Collector) SetCommitQueueBytes(queueBytes int) {
	if c == nil {
		return
	}
	c.commitQueueBytes.Set(float64(queueBytes))
}

// ReindexBatch records one relocated batch.
func (c *Collector) ReindexBatch() {
	if c == nil {
		return
	}
	c.reindexBatches.Inc()
}

// BackgroundError records a fatal worker error.
func (c *Collector) BackgroundError() {
	if c == nil {
		return
	}
	c.backgroundErrors.Inc()
}

// ObserveRecovery records the duration of a startup replay in seconds.
func (c *Collector) ObserveRecovery(seconds float64) {
	if c == nil {
		return
	}
	c.recoverySeconds.Set(seconds)
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
