// Package pipeline moves received documents through extraction,
// classification and routing until they are booked or wait for a human.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/internal/blobstore"
	"github.com/smallbiznis/autocompta/internal/classification"
	"github.com/smallbiznis/autocompta/internal/clock"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/internal/extraction"
	journaldomain "github.com/smallbiznis/autocompta/internal/journal/domain"
	"github.com/smallbiznis/autocompta/internal/notify"
	obsmetrics "github.com/smallbiznis/autocompta/internal/observability/metrics"
	perioddomain "github.com/smallbiznis/autocompta/internal/period/domain"
	validationdomain "github.com/smallbiznis/autocompta/internal/validation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	stageExtraction     = "extraction"
	stageClassification = "classification"
	stageRouting        = "routing"

	pipelineActorID = "pipeline"
)

type ProcessorParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Docs       docdomain.Repository
	Blobs      blobstore.Store
	Stage      *extraction.Stage
	Classifier *classification.Classifier
	Router     validationdomain.Router
	Queue      validationdomain.Service
	Journal    journaldomain.Service
	Clock      clock.Clock
	Guard      perioddomain.Guard     `optional:"true"`
	Publisher  notify.Publisher       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics    `optional:"true"`
	JobMetrics *obsmetrics.JobMetrics `optional:"true"`
}

// Processor runs the stages of one document. Every stage starts from the
// status it finds, so running a document twice never repeats finished work.
type Processor struct {
	db         *gorm.DB
	log        *zap.Logger
	docs       docdomain.Repository
	blobs      blobstore.Store
	stage      *extraction.Stage
	classifier *classification.Classifier
	router     validationdomain.Router
	queue      validationdomain.Service
	journal    journaldomain.Service
	clock      clock.Clock
	guard      perioddomain.Guard
	publisher  notify.Publisher
	obsMetrics *obsmetrics.Metrics
	jobMetrics *obsmetrics.JobMetrics
}

func NewProcessor(p ProcessorParams) *Processor {
	return &Processor{
		db:         p.DB,
		log:        p.Log.Named("pipeline.processor"),
		docs:       p.Docs,
		blobs:      p.Blobs,
		stage:      p.Stage,
		classifier: p.Classifier,
		router:     p.Router,
		queue:      p.Queue,
		journal:    p.Journal,
		clock:      p.Clock,
		guard:      p.Guard,
		publisher:  p.Publisher,
		obsMetrics: p.ObsMetrics,
		jobMetrics: p.JobMetrics,
	}
}

func pipelineActor(tenantID int64) authctx.Actor {
	actor := authctx.System(tenantID)
	actor.ID = pipelineActorID
	return actor
}

// Process advances the document as far as it can go without a human.
func (p *Processor) Process(ctx context.Context, tenantID int64, id snowflake.ID) error {
	doc, err := p.docs.FindByID(ctx, p.db, tenantID, id)
	if err != nil {
		return err
	}
	actor := pipelineActor(tenantID)

	if doc.Status == docdomain.StatusReceived {
		if err := p.docs.Transition(ctx, p.db, doc, docdomain.TransitionUpdate{
			To:    docdomain.StatusProcessing,
			Actor: actor.Ref(),
		}); err != nil {
			return p.skipConflict(doc, err)
		}
	}
	if doc.Status == docdomain.StatusProcessing {
		if err := p.analyze(ctx, actor, doc); err != nil {
			return err
		}
	}
	if doc.Status == docdomain.StatusAnalyzed {
		return p.route(ctx, actor, doc)
	}
	return nil
}

func (p *Processor) analyze(ctx context.Context, actor authctx.Actor, doc *docdomain.Document) error {
	started := p.clock.Now()
	blob, err := p.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return p.fail(ctx, actor, doc, "blob_missing", err)
		}
		return p.blobUnavailable(ctx, actor, doc, err)
	}

	res, err := p.stage.Run(ctx, doc, blob)
	p.jobMetrics.ObserveStage(stageExtraction, time.Since(started))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code := "extraction_failed"
		if extErr, ok := extraction.AsExtractionError(err); ok {
			code = string(extErr.Kind)
		}
		p.obsMetrics.RecordDocumentStage(ctx, stageExtraction, "error")
		return p.fail(ctx, actor, doc, code, err)
	}
	p.obsMetrics.RecordDocumentStage(ctx, stageExtraction, "ok")

	started = p.clock.Now()
	cls, err := p.classifier.Classify(ctx, p.db, doc, res.OCR)
	p.jobMetrics.ObserveStage(stageClassification, time.Since(started))
	outcome := "ok"
	if err != nil {
		if _, ok := classification.AsClassificationError(err); !ok || cls == nil {
			return err
		}
		outcome = "degraded"
	}
	p.obsMetrics.RecordDocumentStage(ctx, stageClassification, outcome)

	columns := res.Columns
	if columns == nil {
		columns = map[string]any{}
	}
	if doc.Type == docdomain.TypeUnknown && cls.DocumentType != docdomain.TypeUnknown {
		columns["document_type"] = cls.DocumentType
	}
	if doc.CounterpartyName == "" {
		if vendor := cls.SuggestedVendor.OrElse(""); vendor != "" {
			columns["counterparty_name"] = vendor
		}
	}
	columns["extraction_runs"] = doc.ExtractionRuns + res.Attempts
	columns["error_code"] = ""
	columns["error_detail"] = ""

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.docs.InsertOCR(ctx, tx, res.OCR); err != nil {
			return err
		}
		if err := p.docs.InsertClassification(ctx, tx, cls); err != nil {
			return err
		}
		return p.docs.Transition(ctx, tx, doc, docdomain.TransitionUpdate{
			To:      docdomain.StatusAnalyzed,
			Actor:   actor.Ref(),
			Reason:  cls.Reasoning,
			Columns: columns,
		})
	})
}

// route books the document when the router allows it and queues it otherwise.
func (p *Processor) route(ctx context.Context, actor authctx.Actor, doc *docdomain.Document) error {
	started := p.clock.Now()
	defer func() { p.jobMetrics.ObserveStage(stageRouting, time.Since(started)) }()

	var (
		decision validationdomain.Decision
		entry    *journaldomain.AutoEntry
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cls, err := p.docs.LiveClassification(ctx, tx, doc.TenantID, doc.ID)
		if err != nil {
			return err
		}
		decision, err = p.router.Route(ctx, tx, validationdomain.RouteInput{Document: doc, Classification: cls})
		if err != nil {
			return err
		}
		if decision.Auto {
			if err := p.ensureWritable(ctx, tx, doc); errors.Is(err, perioddomain.ErrPeriodFrozen) {
				decision.Flag(validationdomain.IssueManualReview, "document date falls in a certified period")
			} else if err != nil {
				return err
			}
		}
		if decision.Auto {
			entry, err = p.journal.GenerateForDocument(ctx, tx, actor, doc, cls, journaldomain.Overrides{})
			if unbalanceable, ok := journaldomain.AsUnbalanceable(err); ok {
				decision.Flag(validationdomain.IssueMissingInfo, unbalanceable.Error())
				entry = nil
			} else if err != nil {
				return err
			}
		}
		if entry != nil {
			if err := p.journal.Post(ctx, tx, actor, entry); err != nil {
				return err
			}
			return p.docs.Transition(ctx, tx, doc, docdomain.TransitionUpdate{
				To:      docdomain.StatusAccounted,
				Actor:   actor.Ref(),
				Reason:  "booked automatically",
				Columns: map[string]any{"booked_account": entry.MainAccount},
			})
		}
		if _, err := p.queue.Enqueue(ctx, tx, doc, cls, decision); err != nil {
			return err
		}
		return p.docs.Transition(ctx, tx, doc, docdomain.TransitionUpdate{
			To:     docdomain.StatusPendingValidation,
			Actor:  actor.Ref(),
			Reason: strings.Join(decision.Reasons, "; "),
		})
	})
	if err != nil {
		return p.skipConflict(doc, err)
	}

	if entry != nil {
		p.obsMetrics.RecordDocumentStage(ctx, stageRouting, "accounted")
		p.log.Info("document accounted",
			zap.String("document_id", doc.ID.String()),
			zap.String("entry_id", entry.ID.String()),
			zap.String("account", entry.MainAccount),
		)
		notify.Safe(ctx, p.publisher, p.log, notify.Event{
			Type:     notify.TypeDocumentAccounted,
			TenantID: doc.TenantID,
			Subject:  doc.ID.String(),
			Data:     map[string]any{"entry_id": entry.ID.String(), "account": entry.MainAccount},
			Time:     p.clock.Now(),
		})
		return nil
	}

	p.obsMetrics.RecordDocumentStage(ctx, stageRouting, "queued")
	p.log.Info("document queued for review",
		zap.String("document_id", doc.ID.String()),
		zap.String("issue_type", string(decision.IssueType)),
		zap.Strings("reasons", decision.Reasons),
	)
	notify.Safe(ctx, p.publisher, p.log, notify.Event{
		Type:     notify.TypeReadyForReview,
		TenantID: doc.TenantID,
		Subject:  doc.ID.String(),
		Data:     map[string]any{"issue_type": string(decision.IssueType), "reasons": decision.Reasons},
		Time:     p.clock.Now(),
	})
	return nil
}

func (p *Processor) ensureWritable(ctx context.Context, tx *gorm.DB, doc *docdomain.Document) error {
	if p.guard == nil {
		return nil
	}
	return p.guard.EnsureWritable(ctx, tx, doc.TenantID, doc.EffectiveDate())
}

// fail parks the document in ERROR. The failure is the document's outcome,
// so nil is returned once the move is stored.
func (p *Processor) fail(ctx context.Context, actor authctx.Actor, doc *docdomain.Document, code string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	detail := cause.Error()
	if err := p.docs.Transition(ctx, p.db, doc, docdomain.TransitionUpdate{
		To:     docdomain.StatusError,
		Actor:  actor.Ref(),
		Reason: detail,
		Columns: map[string]any{
			"error_code":   code,
			"error_detail": detail,
		},
	}); err != nil {
		return p.skipConflict(doc, err)
	}

	p.log.Warn("document failed",
		zap.String("document_id", doc.ID.String()),
		zap.String("error_code", code),
		zap.Error(cause),
	)
	notify.Safe(ctx, p.publisher, p.log, notify.Event{
		Type:     notify.TypeDocumentError,
		TenantID: doc.TenantID,
		Subject:  doc.ID.String(),
		Data:     map[string]any{"error_code": code, "error_detail": detail},
		Time:     p.clock.Now(),
	})
	return nil
}

// blobUnavailable counts a failed blob read as an extraction run. The
// document stays in PROCESSING for the recovery sweep until the tenant's
// attempt budget is spent, then it is parked in ERROR.
func (p *Processor) blobUnavailable(ctx context.Context, actor authctx.Actor, doc *docdomain.Document, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := p.docs.RecordExtractionRun(ctx, p.db, doc); err != nil {
		return p.skipConflict(doc, err)
	}
	limit := p.stage.MaxAttempts(doc.TenantID)
	if doc.ExtractionRuns >= limit {
		return p.fail(ctx, actor, doc, "blob_unavailable", cause)
	}
	p.log.Warn("document blob unavailable",
		zap.String("document_id", doc.ID.String()),
		zap.Int("extraction_runs", doc.ExtractionRuns),
		zap.Int("max_attempts", limit),
		zap.Error(cause),
	)
	return cause
}

// skipConflict treats a lost race on the document as someone else's progress.
func (p *Processor) skipConflict(doc *docdomain.Document, err error) error {
	if errors.Is(err, docdomain.ErrConcurrentModification) {
		p.log.Debug("document moved by another worker", zap.String("document_id", doc.ID.String()))
		return nil
	}
	return err
}
