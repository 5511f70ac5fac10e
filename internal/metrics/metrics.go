package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label values for sync row outcomes.
const (
	OutcomeUploaded     = "uploaded"
	OutcomeFailed       = "failed"
	OutcomeDeadLettered = "dead_lettered"
)

// Metrics holds the agent's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	eventsAccepted *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	syncRows       *prometheus.CounterVec
	syncRequests   prometheus.Counter
	syncRuns       *prometheus.CounterVec
	evictedFiles   prometheus.Counter
	evictedBytes   prometheus.Counter
	mediaFiles     prometheus.Gauge
	mediaBytes     prometheus.Gauge
	pendingRows    *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worktrace", Subsystem: "ingest", Name: "events_total",
			Help: "Events accepted into the ingestion queue.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worktrace", Subsystem: "ingest", Name: "events_dropped_total",
			Help: "Events rejected because the queue was above its high-water mark or closed.",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worktrace", Subsystem: "ingest", Name: "queue_depth",
			Help: "Events waiting in the ingestion queue.",
		}),
		syncRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worktrace", Subsystem: "sync", Name: "rows_total",
			Help: "Rows processed by the sync engine by outcome.",
		}, []string{"table", "outcome"}),
		syncRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worktrace", Subsystem: "sync", Name: "requests_total",
			Help: "HTTP requests made against the daily API budget.",
		}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worktrace", Subsystem: "sync", Name: "runs_total",
			Help: "Sync passes by result.",
		}, []string{"result"}),
		evictedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worktrace", Subsystem: "quota", Name: "evicted_files_total",
			Help: "Media files deleted by the quota enforcer.",
		}),
		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worktrace", Subsystem: "quota", Name: "evicted_bytes_total",
			Help: "Bytes freed by the quota enforcer.",
		}),
		mediaFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worktrace", Subsystem: "quota", Name: "media_files",
			Help: "Local media files tracked by the store.",
		}),
		mediaBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worktrace", Subsystem: "quota", Name: "media_bytes",
			Help: "Bytes of local media tracked by the store.",
		}),
		pendingRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "worktrace", Subsystem: "store", Name: "pending_rows",
			Help: "Rows awaiting upload.",
		}, []string{"table"}),
	}

	reg.MustRegister(
		m.eventsAccepted, m.eventsDropped, m.queueDepth,
		m.syncRows, m.syncRequests, m.syncRuns,
		m.evictedFiles, m.evictedBytes, m.mediaFiles, m.mediaBytes,
		m.pendingRows,
	)
	return m
}

func (m *Metrics) EventAccepted(kind string) {
	if m == nil {
		return
	}
	m.eventsAccepted.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDropped(kind string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SyncRows adds n rows of table with the given outcome.
func (m *Metrics) SyncRows(table, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.syncRows.WithLabelValues(table, outcome).Add(float64(n))
}

func (m *Metrics) SyncRequest() {
	if m == nil {
		return
	}
	m.syncRequests.Inc()
}

// SyncRun records a finished sync pass.
func (m *Metrics) SyncRun(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.syncRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) Evicted(files int, bytes int64) {
	if m == nil {
		return
	}
	m.evictedFiles.Add(float64(files))
	m.evictedBytes.Add(float64(bytes))
}

func (m *Metrics) SetMediaUsage(files int, bytes int64) {
	if m == nil {
		return
	}
	m.mediaFiles.Set(float64(files))
	m.mediaBytes.Set(float64(bytes))
}

func (m *Metrics) SetPending(table string, n int64) {
	if m == nil {
		return
	}
	m.pendingRows.WithLabelValues(table).Set(float64(n))
}
