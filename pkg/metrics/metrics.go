package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	PathLocal   = "local"
	PathForward = "forward"

	ResultOK    = "ok"
	ResultError = "error"
)

// Registry holds the transaction metrics of one frontend.
type Registry struct {
	registry *prometheus.Registry

	TxnBeginTotal      *prometheus.CounterVec
	TxnCommitTotal     *prometheus.CounterVec
	TxnAbortTotal      *prometheus.CounterVec
	TxnCommitDuration  *prometheus.HistogramVec
	TxnActiveSessions  prometheus.Gauge
	StreamRowsTotal    prometheus.Counter
	StatusQueriesTotal *prometheus.CounterVec
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initTxnMetrics()
	return r
}

func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

func (r *Registry) initTxnMetrics() {
	r.TxnBeginTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "txn_begin_total",
			Help: "Total number of begun transactions",
		},
		[]string{"mode"},
	)

	r.TxnCommitTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "txn_commit_total",
			Help: "Total number of commit attempts by outcome",
		},
		[]string{"mode", "outcome"},
	)

	r.TxnAbortTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "txn_abort_total",
			Help: "Total number of rolled back transactions",
		},
		[]string{"mode"},
	)

	r.TxnCommitDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txn_commit_duration_seconds",
			Help:    "Commit latency including the visibility wait",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"mode"},
	)

	r.TxnActiveSessions = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "txn_active_sessions",
			Help: "Number of connections with an open transaction",
		},
	)

	r.StreamRowsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "txn_stream_rows_total",
			Help: "Total number of rows appended to streaming transactions",
		},
	)

	r.StatusQueriesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "txn_status_queries_total",
			Help: "Waiting txn status queries by serving path",
		},
		[]string{"path", "result"}, // local, forward
	)
}

func (r *Registry) RecordBegin(mode string) {
	r.TxnBeginTotal.WithLabelValues(mode).Inc()
	r.TxnActiveSessions.Inc()
}

func (r *Registry) RecordCommit(mode, outcome string, duration time.Duration) {
	r.TxnCommitTotal.WithLabelValues(mode, outcome).Inc()
	r.TxnCommitDuration.WithLabelValues(mode).Observe(duration.Seconds())
	r.TxnActiveSessions.Dec()
}

func (r *Registry) RecordAbort(mode string) {
	r.TxnAbortTotal.WithLabelValues(mode).Inc()
	r.TxnActiveSessions.Dec()
}

// RecordDiscard drops a session whose abort failed.
func (r *Registry) RecordDiscard() {
	r.TxnActiveSessions.Dec()
}

func (r *Registry) RecordStatusQuery(path string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	r.StatusQueriesTotal.WithLabelValues(path, result).Inc()
}
