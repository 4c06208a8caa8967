package quotesync

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is optional; every method is safe on a nil receiver.
type Metrics struct {
	runs      *prometheus.CounterVec
	documents *prometheus.CounterVec
	blocks    prometheus.Counter
	jobs      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotesync",
			Name:      "sync_runs_total",
			Help:      "Sync invocations by mode and result.",
		}, []string{"mode", "result"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotesync",
			Name:      "documents_written_total",
			Help:      "Remote documents created or appended to.",
		}, []string{"kind"}),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quotesync",
			Name:      "blocks_appended_total",
			Help:      "Blocks appended to remote documents.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotesync",
			Name:      "jobs_processed_total",
			Help:      "Background sync jobs finished by shard and status.",
		}, []string{"shard", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.documents, m.blocks, m.jobs)
	}
	return m
}

func (m *Metrics) observeRun(run *Run) {
	if m == nil || run == nil {
		return
	}
	result := "success"
	if !run.Success() {
		result = "failure"
	}
	m.runs.WithLabelValues(string(run.Mode), result).Inc()
	if run.Stats.DocumentsCreated > 0 {
		m.documents.WithLabelValues(string(PlanCreate)).Add(float64(run.Stats.DocumentsCreated))
	}
	if run.Stats.DocumentsAppended > 0 {
		m.documents.WithLabelValues(string(PlanAppend)).Add(float64(run.Stats.DocumentsAppended))
	}
	if run.Stats.BlocksAppended > 0 {
		m.blocks.Add(float64(run.Stats.BlocksAppended))
	}
}

func (m *Metrics) observeJob(shard int, status JobStatus) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(strconv.Itoa(shard), string(status)).Inc()
}
