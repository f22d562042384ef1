package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonForbidden            = "forbidden"
	JobReasonUnknown              = "unknown"
)

const (
	SyncStatusSuccess = "success"
	SyncStatusFailed  = "failed"
	SyncStatusBusy    = "in_progress"
)

// JobMetrics captures background job and bank sync health as Prometheus series.
type JobMetrics struct {
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobTimeouts   *prometheus.CounterVec
	jobErrors     *prometheus.CounterVec
	syncSessions  *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
}

var (
	jobMetricsOnce sync.Once
	jobMetrics     *JobMetrics
)

// Jobs returns the singleton job metrics registered on the default registry.
func Jobs() *JobMetrics {
	return JobsWithConfig(Config{})
}

func JobsWithConfig(cfg Config) *JobMetrics {
	jobMetricsOnce.Do(func() {
		jobMetrics = newJobMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return jobMetrics
}

// NewJobMetrics registers a fresh set of series on registerer.
func NewJobMetrics(registerer prometheus.Registerer, cfg Config) *JobMetrics {
	return newJobMetrics(registerer, cfg)
}

func newJobMetrics(registerer prometheus.Registerer, cfg Config) *JobMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "autocompta"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &JobMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "autocompta_job_runs_total",
			Help:        "Background job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "autocompta_job_duration_seconds",
			Help:        "Background job latency.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "autocompta_job_timeouts_total",
			Help:        "Background jobs that exceeded their deadline.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "autocompta_job_errors_total",
			Help:        "Background job failures by reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		syncSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "autocompta_bank_sync_sessions_total",
			Help:        "Bank sync sessions by provider and final status.",
			ConstLabels: constLabels,
		}, []string{"provider", "status"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "autocompta_bank_sync_duration_seconds",
			Help:        "Bank sync session latency.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"provider"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "autocompta_pipeline_stage_duration_seconds",
			Help:        "Document pipeline stage latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}, []string{"stage"}),
	}

	for _, c := range []prometheus.Collector{
		m.jobRuns, m.jobDuration, m.jobTimeouts, m.jobErrors,
		m.syncSessions, m.syncDuration, m.stageDuration,
	} {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
	return m
}

func (m *JobMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *JobMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *JobMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *JobMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *JobMetrics) IncSyncSession(provider, status string) {
	if m == nil {
		return
	}
	m.syncSessions.WithLabelValues(provider, status).Inc()
}

func (m *JobMetrics) ObserveSyncDuration(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *JobMetrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ClassifyJobReason maps a job failure to a bounded label value.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if errors.Is(err, authctx.ErrForbidden) {
		return JobReasonForbidden
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return JobReasonUniqueViolation
	}
	return JobReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
