// Package scheduler runs the periodic background jobs: bank sync,
// auto-reconciliation and the pipeline recovery sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/authctx"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/internal/clock"
	obsmetrics "github.com/smallbiznis/autocompta/internal/observability/metrics"
	"github.com/smallbiznis/autocompta/internal/pipeline"
	reconciliationdomain "github.com/smallbiznis/autocompta/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobBankSync         = "bank_sync"
	JobAutoReconcile    = "auto_reconcile"
	JobPipelineRecovery = "pipeline_recovery"
)

// recoverer re-dispatches documents stuck in the pipeline.
type recoverer interface {
	Recover(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type Params struct {
	fx.In

	DB                *gorm.DB
	Log               *zap.Logger
	GenID             *snowflake.Node
	Clock             clock.Clock
	BankSvc           bankdomain.Service
	BankRepo          bankdomain.Repository
	ReconciliationSvc reconciliationdomain.Service
	Dispatcher        *pipeline.Dispatcher
	JobMetrics        *obsmetrics.JobMetrics `optional:"true"`
	Config            Config                 `optional:"true"`
}

type Scheduler struct {
	db                *gorm.DB
	log               *zap.Logger
	cfg               Config
	genID             *snowflake.Node
	clock             clock.Clock
	bankSvc           bankdomain.Service
	bankRepo          bankdomain.Repository
	reconciliationSvc reconciliationdomain.Service
	recoverer         recoverer
	metrics           *obsmetrics.JobMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.GenID == nil {
		return nil, errors.New("scheduler: id generator is required")
	}
	return &Scheduler{
		db:                p.DB,
		log:               p.Log.Named("scheduler"),
		cfg:               p.Config.withDefaults(),
		genID:             p.GenID,
		clock:             p.Clock,
		bankSvc:           p.BankSvc,
		bankRepo:          p.BankRepo,
		reconciliationSvc: p.ReconciliationSvc,
		recoverer:         p.Dispatcher,
		metrics:           p.JobMetrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// a deadline is a soft timeout, the next tick picks the work up again
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobPipelineRecovery, s.isJobEnabled(JobPipelineRecovery), func(ctx context.Context) error {
			return s.runJob(ctx, JobPipelineRecovery, s.cfg.RecoveryBatchSize, s.cfg.RecoveryTimeout, s.PipelineRecoveryJob)
		}},
		{JobBankSync, s.isJobEnabled(JobBankSync), func(ctx context.Context) error {
			return s.runJob(ctx, JobBankSync, 0, s.cfg.SyncTimeout, s.BankSyncJob)
		}},
		{JobAutoReconcile, s.isJobEnabled(JobAutoReconcile), func(ctx context.Context) error {
			return s.runJob(ctx, JobAutoReconcile, 0, s.cfg.ReconcileTimeout, s.AutoReconcileJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// an empty list enables every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// BankSyncJob pulls every live connection of every tenant. One tenant
// failing does not stop the others.
func (s *Scheduler) BankSyncJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobBankSync, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	tenants, err := s.bankRepo.Tenants(ctx, s.db.WithContext(ctx))
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		summary, err := s.bankSvc.SyncAll(ctx, authctx.System(tenantID))
		if err != nil {
			s.logSchedulerError(ctx, run, "bank.sync.failed", JobBankSync, tenantID, err)
			continue
		}
		run.AddProcessed(summary.Succeeded)
		for i := 0; i < summary.Failed; i++ {
			run.IncError()
		}
		s.logger(s.withLogContext(ctx, tenantID)).Debug("bank.sync.tenant",
			zap.Int64("tenant_id", tenantID),
			zap.Int("sessions", summary.Total),
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped),
		)
	}
	return nil
}

// AutoReconcileJob runs the matcher for every tenant with bank activity.
func (s *Scheduler) AutoReconcileJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobAutoReconcile, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	tenants, err := s.bankRepo.Tenants(ctx, s.db.WithContext(ctx))
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		summary, err := s.reconciliationSvc.RunAuto(ctx, authctx.System(tenantID))
		if err != nil {
			s.logSchedulerError(ctx, run, "reconciliation.run.failed", JobAutoReconcile, tenantID, err)
			continue
		}
		run.AddProcessed(summary.Auto + summary.Rule)
		s.logger(s.withLogContext(ctx, tenantID)).Debug("reconciliation.run.tenant",
			zap.Int64("tenant_id", tenantID),
			zap.Int("scanned", summary.Scanned),
			zap.Int("auto", summary.Auto),
			zap.Int("rule", summary.Rule),
			zap.Int("suggested", summary.Suggested),
		)
	}
	return nil
}

// PipelineRecoveryJob re-dispatches documents left behind by a crash or a
// full queue.
func (s *Scheduler) PipelineRecoveryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPipelineRecovery, s.cfg.RecoveryBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	count, err := s.recoverer.Recover(ctx, s.cfg.RecoveryThreshold, s.cfg.RecoveryBatchSize)
	run.AddProcessed(count)
	if err != nil {
		s.logSchedulerError(ctx, run, "pipeline.recovery.failed", JobPipelineRecovery, 0, err)
		return err
	}
	return nil
}
