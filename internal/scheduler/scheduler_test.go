package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/autocompta/internal/authctx"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/internal/clock"
	obsmetrics "github.com/smallbiznis/autocompta/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/autocompta/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeBankRepo struct {
	bankdomain.Repository
	tenants []int64
}

func (f *fakeBankRepo) Tenants(context.Context, *gorm.DB) ([]int64, error) {
	return f.tenants, nil
}

type fakeBankSvc struct {
	bankdomain.Service
	failFor int64
	synced  []int64
}

func (f *fakeBankSvc) SyncAll(_ context.Context, actor authctx.Actor) (bankdomain.SyncSummary, error) {
	if actor.TenantID == f.failFor {
		return bankdomain.SyncSummary{}, errors.New("provider down")
	}
	f.synced = append(f.synced, actor.TenantID)
	return bankdomain.SyncSummary{Total: 1, Succeeded: 1}, nil
}

type fakeReconciliationSvc struct {
	reconciliationdomain.Service
	runs []int64
}

func (f *fakeReconciliationSvc) RunAuto(_ context.Context, actor authctx.Actor) (reconciliationdomain.RunSummary, error) {
	f.runs = append(f.runs, actor.TenantID)
	return reconciliationdomain.RunSummary{Scanned: 2, Auto: 1}, nil
}

type fakeRecoverer struct {
	olderThan time.Duration
	limit     int
	calls     int
}

func (f *fakeRecoverer) Recover(_ context.Context, olderThan time.Duration, limit int) (int, error) {
	f.calls++
	f.olderThan = olderThan
	f.limit = limit
	return 3, nil
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *fakeBankSvc, *fakeReconciliationSvc, *fakeRecoverer) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	bank := &fakeBankSvc{failFor: 2}
	recon := &fakeReconciliationSvc{}
	rec := &fakeRecoverer{}
	s := &Scheduler{
		log:               zap.NewNop(),
		cfg:               cfg.withDefaults(),
		genID:             node,
		clock:             clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)),
		bankSvc:           bank,
		bankRepo:          &fakeBankRepo{tenants: []int64{1, 2, 3}},
		reconciliationSvc: recon,
		recoverer:         rec,
	}
	return s, bank, recon, rec
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obsmetrics.NewJobMetrics(registry, obsmetrics.Config{
		ServiceName: "autocompta",
		Environment: "test",
	})

	s, _, _, _ := newTestScheduler(t, Config{})
	s.metrics = metrics
	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "autocompta",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "autocompta_job_timeouts_total", labels))
	assert.Equal(t, 1.0, getCounterValue(t, registry, "autocompta_job_runs_total", labels))

	errorLabels := map[string]string{
		"service": "autocompta",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.JobReasonDeadlineExceeded,
	}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "autocompta_job_errors_total", errorLabels))
}

func TestRunJobWrapsFailure(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{})
	boom := errors.New("boom")

	err := s.runJob(context.Background(), "failing_job", 0, time.Second, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing_job")
}

func TestRunOnceRunsEveryJobAndIsolatesTenants(t *testing.T) {
	s, bank, recon, rec := newTestScheduler(t, Config{RecoveryThreshold: time.Hour, RecoveryBatchSize: 10})

	require.NoError(t, s.RunOnce(context.Background()))

	// tenant 2 fails to sync without blocking tenant 3
	assert.Equal(t, []int64{1, 3}, bank.synced)
	assert.Equal(t, []int64{1, 2, 3}, recon.runs)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, time.Hour, rec.olderThan)
	assert.Equal(t, 10, rec.limit)
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	s, bank, recon, rec := newTestScheduler(t, Config{EnabledJobs: []string{"PIPELINE_RECOVERY"}})

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Empty(t, bank.synced)
	assert.Empty(t, recon.runs)
	assert.Equal(t, 1, rec.calls)
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
