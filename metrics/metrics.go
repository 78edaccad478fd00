package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricNamespace = "percona_oplogsync_mongodb"

const (
	jobLabel = "job"
	opLabel  = "op"
)

// Copy metrics.
var (
	//nolint:gochecknoglobals
	copyDocumentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "copy_documents_total",
		Help:      "Total count of documents written by the bulk copy.",
		Namespace: metricNamespace,
	}, []string{jobLabel})

	//nolint:gochecknoglobals
	copySizeBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "copy_size_bytes_total",
		Help:      "Total size of documents written by the bulk copy in bytes.",
		Namespace: metricNamespace,
	}, []string{jobLabel})

	//nolint:gochecknoglobals
	copyBatchDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "copy_batch_duration_seconds",
		Help:      "Duration of copy bulk writes in seconds.",
		Namespace: metricNamespace,
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{jobLabel})
)

// Oplog tailing metrics.
var (
	//nolint:gochecknoglobals
	entriesReadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "oplog_entries_read_total",
		Help:      "Total number of oplog entries read from the source.",
		Namespace: metricNamespace,
	}, []string{jobLabel})

	//nolint:gochecknoglobals
	entriesAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "oplog_entries_applied_total",
		Help:      "Total number of oplog entries applied, by operation type.",
		Namespace: metricNamespace,
	}, []string{jobLabel, opLabel})

	//nolint:gochecknoglobals
	entriesSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "oplog_entries_skipped_total",
		Help:      "Total number of oplog entries skipped, by operation type.",
		Namespace: metricNamespace,
	}, []string{jobLabel, opLabel})

	//nolint:gochecknoglobals
	checkpointWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "checkpoint_writes_total",
		Help:      "Total number of checkpoint writes.",
		Namespace: metricNamespace,
	}, []string{jobLabel})
)

// Gauges.
var (
	//nolint:gochecknoglobals
	lagTimeSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "lag_time_seconds",
		Help:      "Wall clock seconds between now and the last applied oplog entry.",
		Namespace: metricNamespace,
	}, []string{jobLabel})

	//nolint:gochecknoglobals
	lastAppliedTimestamp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "last_applied_timestamp_seconds",
		Help:      "Seconds part of the last applied oplog timestamp.",
		Namespace: metricNamespace,
	}, []string{jobLabel})

	//nolint:gochecknoglobals
	jobState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "job_state",
		Help:      "1 for the current state of the job, 0 otherwise.",
		Namespace: metricNamespace,
	}, []string{jobLabel, "state"})
)

// Init initializes and registers the metrics.
func Init(reg prometheus.Registerer) {
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: metricNamespace,
	}))

	reg.MustRegister(
		copyDocumentsTotal,
		copySizeBytesTotal,
		copyBatchDurationSeconds,

		entriesReadTotal,
		entriesAppliedTotal,
		entriesSkippedTotal,
		checkpointWritesTotal,

		lagTimeSeconds,
		lastAppliedTimestamp,
		jobState,
	)
}

// AddCopyDocuments increments the copied documents and bytes counters.
func AddCopyDocuments(job string, count int, size uint64) {
	copyDocumentsTotal.WithLabelValues(job).Add(float64(count))
	copySizeBytesTotal.WithLabelValues(job).Add(float64(size))
}

// ObserveCopyBatchDuration records the duration of a copy bulk write.
func ObserveCopyBatchDuration(job string, dur time.Duration) {
	copyBatchDurationSeconds.WithLabelValues(job).Observe(dur.Seconds())
}

// IncEntriesRead increments the oplog entries read counter.
func IncEntriesRead(job string) {
	entriesReadTotal.WithLabelValues(job).Inc()
}

// IncEntriesApplied increments the applied counter for the op type.
func IncEntriesApplied(job, op string) {
	entriesAppliedTotal.WithLabelValues(job, op).Inc()
}

// IncEntriesSkipped increments the skipped counter for the op type.
func IncEntriesSkipped(job, op string) {
	entriesSkippedTotal.WithLabelValues(job, op).Inc()
}

// IncCheckpointWrites increments the checkpoint writes counter.
func IncCheckpointWrites(job string) {
	checkpointWritesTotal.WithLabelValues(job).Inc()
}

// SetLagTimeSeconds sets the lag time in seconds gauge.
func SetLagTimeSeconds(job string, v uint32) {
	lagTimeSeconds.WithLabelValues(job).Set(float64(v))
}

// SetLastAppliedTimestamp sets the last applied oplog timestamp gauge.
func SetLastAppliedTimestamp(job string, t uint32) {
	lastAppliedTimestamp.WithLabelValues(job).Set(float64(t))
}

// SetJobState marks state as the current state of the job.
func SetJobState(job, state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}

		jobState.WithLabelValues(job, s).Set(v)
	}
}
