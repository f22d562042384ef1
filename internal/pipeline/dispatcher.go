package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/config"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	obsmetrics "github.com/smallbiznis/autocompta/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultWorkers    = 4
	queueFactor       = 64
	defaultJobTimeout = 5 * time.Minute
	jobName           = "pipeline"
)

var ErrDispatcherStopped = errors.New("dispatcher_stopped")

type job struct {
	tenantID int64
	id       snowflake.ID
}

type DispatcherParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	Docs       docdomain.Repository
	Processor  *Processor
	Clock      clock.Clock            `optional:"true"`
	JobMetrics *obsmetrics.JobMetrics `optional:"true"`
}

// Dispatcher feeds documents to a bounded pool of workers. A document is
// queued at most once at a time; a full queue drops the request and leaves
// the document to the recovery sweep.
type Dispatcher struct {
	db         *gorm.DB
	log        *zap.Logger
	docs       docdomain.Repository
	processor  *Processor
	clock      clock.Clock
	jobMetrics *obsmetrics.JobMetrics
	workers    int
	jobTimeout time.Duration

	queue chan job

	mu      sync.Mutex
	pending map[snowflake.ID]struct{}
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	workers := p.Cfg.PipelineWorkers
	if workers <= 0 {
		workers = defaultWorkers
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Dispatcher{
		db:         p.DB,
		log:        p.Log.Named("pipeline.dispatcher"),
		docs:       p.Docs,
		processor:  p.Processor,
		clock:      clk,
		jobMetrics: p.JobMetrics,
		workers:    workers,
		jobTimeout: defaultJobTimeout,
		queue:      make(chan job, workers*queueFactor),
		pending:    map[snowflake.ID]struct{}{},
	}
}

// ProvideDispatcher exposes the dispatcher to the document service.
func ProvideDispatcher(d *Dispatcher) docdomain.Dispatcher {
	return d
}

// Start launches the workers. They stop when Stop is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.group != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.group = &errgroup.Group{}
	for i := 0; i < d.workers; i++ {
		d.group.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	d.log.Info("pipeline workers started", zap.Int("workers", d.workers))
}

// Stop cancels the workers and waits for them. Documents still queued stay
// in their current status and are picked up again by Recover.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	group, cancel := d.group, d.cancel
	d.mu.Unlock()
	if group == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Dispatch(tenantID int64, id snowflake.ID) {
	if err := d.enqueue(job{tenantID: tenantID, id: id}); err != nil {
		d.log.Warn("document not dispatched",
			zap.String("document_id", id.String()),
			zap.Int64("tenant_id", tenantID),
			zap.Error(err),
		)
	}
}

var errQueueFull = errors.New("pipeline_queue_full")

func (d *Dispatcher) enqueue(j job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	if _, ok := d.pending[j.id]; ok {
		return nil
	}
	select {
	case d.queue <- j:
		d.pending[j.id] = struct{}{}
		return nil
	default:
		return errQueueFull
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.run(ctx, j)
		}
	}
}

func (d *Dispatcher) run(parent context.Context, j job) {
	defer func() {
		d.mu.Lock()
		delete(d.pending, j.id)
		d.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(parent, d.jobTimeout)
	defer cancel()

	start := time.Now()
	d.jobMetrics.IncJobRun(jobName)
	err := d.processor.Process(ctx, j.tenantID, j.id)
	d.jobMetrics.ObserveJobDuration(jobName, time.Since(start))
	if err == nil {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		d.jobMetrics.IncJobTimeout(jobName)
	}
	d.jobMetrics.IncJobError(jobName, err)
	d.log.Error("document processing failed",
		zap.String("document_id", j.id.String()),
		zap.Int64("tenant_id", j.tenantID),
		zap.Error(err),
	)
}

// Recover re-dispatches documents that have sat in a pipeline status for
// longer than olderThan, such as those left behind by a restart.
func (d *Dispatcher) Recover(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	statuses := []docdomain.Status{
		docdomain.StatusReceived,
		docdomain.StatusProcessing,
		docdomain.StatusAnalyzed,
	}
	docs, err := d.docs.ListStale(ctx, d.db, statuses, d.clock.Now().UTC().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, doc := range docs {
		if err := d.enqueue(job{tenantID: doc.TenantID, id: doc.ID}); err != nil {
			if errors.Is(err, errQueueFull) {
				break
			}
			return dispatched, err
		}
		dispatched++
	}
	if dispatched > 0 {
		d.log.Info("stale documents re-dispatched", zap.Int("count", dispatched))
	}
	return dispatched, nil
}
