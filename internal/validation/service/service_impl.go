package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/autocompta/internal/audit/domain"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/internal/clock"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	journaldomain "github.com/smallbiznis/autocompta/internal/journal/domain"
	"github.com/smallbiznis/autocompta/internal/notify"
	obsmetrics "github.com/smallbiznis/autocompta/internal/observability/metrics"
	perioddomain "github.com/smallbiznis/autocompta/internal/period/domain"
	"github.com/smallbiznis/autocompta/internal/validation/domain"
	"github.com/smallbiznis/autocompta/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	maxBulkItems    = 500
	bulkConcurrency = 8
	actionValidated = "document.validated"
	actionRejected  = "document.rejected"
	actionRequeued  = "document.requeued"
	auditTargetType = "document"
	stageValidation = "validation"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       domain.Repository
	Docs       docdomain.Repository
	Journal    journaldomain.Service
	Clock      clock.Clock
	Guard      perioddomain.Guard  `optional:"true"`
	AuditSvc   auditdomain.Service `optional:"true"`
	Publisher  notify.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       domain.Repository
	docs       docdomain.Repository
	journal    journaldomain.Service
	clock      clock.Clock
	guard      perioddomain.Guard
	auditSvc   auditdomain.Service
	publisher  notify.Publisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("validation.service"),
		repo:       p.Repo,
		docs:       p.Docs,
		journal:    p.Journal,
		clock:      p.Clock,
		guard:      p.Guard,
		auditSvc:   p.AuditSvc,
		publisher:  p.Publisher,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Enqueue(ctx context.Context, db *gorm.DB, doc *docdomain.Document, cls *docdomain.AIClassification, decision domain.Decision) (*domain.QueueItem, error) {
	if db == nil {
		db = s.db
	}
	issue := decision.IssueType
	if issue == "" {
		issue = domain.IssueManualReview
	}
	item := &domain.QueueItem{
		TenantID:        doc.TenantID,
		DocumentID:      doc.ID,
		IssueType:       issue,
		ConfidenceLevel: docdomain.ConfidenceVeryLow,
		Reasons:         append([]string(nil), decision.Reasons...),
	}
	if cls != nil {
		item.ConfidenceLevel = cls.ConfidenceLevel
		item.ConfidenceScore = cls.ConfidenceScore
	}
	if err := s.repo.Upsert(ctx, db, item); err != nil {
		return nil, err
	}
	s.obsMetrics.RecordRoutingDecision(ctx, string(issue))
	return item, nil
}

func (s *Service) List(ctx context.Context, actor authctx.Actor, req domain.ListQueueRequest) (domain.ListQueueResponse, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return domain.ListQueueResponse{}, err
	}
	if req.IssueType != "" && !req.IssueType.Valid() {
		return domain.ListQueueResponse{}, domain.ErrInvalidIssue
	}
	switch req.ConfidenceLevel {
	case "", docdomain.ConfidenceHigh, docdomain.ConfidenceMedium, docdomain.ConfidenceLow, docdomain.ConfidenceVeryLow:
	default:
		return domain.ListQueueResponse{}, domain.ErrInvalidLevel
	}
	status := req.Status
	if status == "" {
		status = domain.ItemOpen
	}

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		TenantID:        actor.TenantID,
		Status:          status,
		IssueType:       req.IssueType,
		ConfidenceLevel: req.ConfidenceLevel,
	}, req.Pagination)
	if err != nil {
		return domain.ListQueueResponse{}, err
	}
	items, pageInfo, err := pagination.Page(items, req.Pagination, func(item domain.QueueItem) pagination.Cursor {
		return pagination.Cursor{ID: int64(item.ID), CreatedAt: item.CreatedAt}
	})
	if err != nil {
		return domain.ListQueueResponse{}, err
	}

	docIDs := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		docIDs = append(docIDs, item.DocumentID)
	}
	byID := map[snowflake.ID]*docdomain.Document{}
	if len(docIDs) > 0 {
		var docs []docdomain.Document
		if err := s.db.WithContext(ctx).
			Where("tenant_id = ? AND id IN ?", actor.TenantID, docIDs).
			Find(&docs).Error; err != nil {
			return domain.ListQueueResponse{}, err
		}
		for i := range docs {
			byID[docs[i].ID] = &docs[i]
		}
	}

	views := make([]domain.QueueItemView, 0, len(items))
	for _, item := range items {
		views = append(views, domain.QueueItemView{QueueItem: item, Document: byID[item.DocumentID]})
	}
	return domain.ListQueueResponse{PageInfo: pageInfo, Items: views}, nil
}

// Validate books every selected item in its own transaction. A failing item
// never rolls back the others.
func (s *Service) Validate(ctx context.Context, actor authctx.Actor, req domain.ValidateRequest) ([]domain.ItemOutcome, error) {
	if err := actor.Require(authctx.CapValidationResolve); err != nil {
		return nil, err
	}
	ids, err := selection(req.IDs)
	if err != nil {
		return nil, err
	}
	return s.bulk(ctx, ids, func(ctx context.Context, id snowflake.ID) domain.ItemOutcome {
		return s.validateOne(ctx, actor, id, req)
	}), nil
}

func (s *Service) Reject(ctx context.Context, actor authctx.Actor, req domain.RejectRequest) ([]domain.ItemOutcome, error) {
	if err := actor.Require(authctx.CapValidationResolve); err != nil {
		return nil, err
	}
	if trimmed(req.Reason) == "" {
		return nil, domain.ErrReasonRequired
	}
	ids, err := selection(req.IDs)
	if err != nil {
		return nil, err
	}
	return s.bulk(ctx, ids, func(ctx context.Context, id snowflake.ID) domain.ItemOutcome {
		return s.rejectOne(ctx, actor, id, trimmed(req.Reason))
	}), nil
}

func (s *Service) bulk(ctx context.Context, ids []snowflake.ID, fn func(context.Context, snowflake.ID) domain.ItemOutcome) []domain.ItemOutcome {
	outcomes := make([]domain.ItemOutcome, len(ids))
	var g errgroup.Group
	g.SetLimit(bulkConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = fn(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (s *Service) validateOne(ctx context.Context, actor authctx.Actor, id snowflake.ID, req domain.ValidateRequest) domain.ItemOutcome {
	out := domain.ItemOutcome{ID: id}
	var (
		doc          *docdomain.Document
		entry        *journaldomain.AutoEntry
		unbalanceErr error
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, loaded, err := s.openItem(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		doc = loaded
		out.DocumentID = doc.ID

		if err := s.docs.Transition(ctx, tx, doc, docdomain.TransitionUpdate{
			To:     docdomain.StatusValidated,
			Actor:  actor.Ref(),
			Reason: req.Comment,
		}); err != nil {
			return conflictOr(err)
		}

		cls, err := s.docs.LiveClassification(ctx, tx, doc.TenantID, doc.ID)
		if err != nil {
			return err
		}
		entry, err = s.journal.GenerateForDocument(ctx, tx, actor, doc, cls, req.Overrides)
		if unbalanceable, ok := journaldomain.AsUnbalanceable(err); ok {
			unbalanceErr = unbalanceable
			return s.requeue(ctx, tx, actor, doc, item, unbalanceable)
		}
		if err != nil {
			return err
		}
		if err := s.journal.Post(ctx, tx, actor, entry); err != nil {
			return err
		}

		if err := s.docs.Transition(ctx, tx, doc, docdomain.TransitionUpdate{
			To:      docdomain.StatusPosted,
			Actor:   actor.Ref(),
			Reason:  req.Comment,
			Columns: map[string]any{"booked_account": entry.MainAccount},
		}); err != nil {
			return conflictOr(err)
		}
		if err := s.repo.Resolve(ctx, tx, item, domain.ResolutionValidated, actor.Ref(), req.Comment, s.clock.Now()); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, actionValidated, doc.ID, map[string]any{
			"queue_item_id": item.ID.String(),
			"entry_id":      entry.ID.String(),
			"comment":       req.Comment,
		})
	})
	if err == nil && unbalanceErr != nil {
		err = unbalanceErr
	}
	if err != nil {
		return s.failed(out, err)
	}

	out.OK = true
	out.EntryID = &entry.ID
	s.obsMetrics.RecordDocumentStage(ctx, stageValidation, "validated")
	notify.Safe(ctx, s.publisher, s.log, notify.Event{
		Type:     notify.TypeDocumentPosted,
		TenantID: doc.TenantID,
		Subject:  doc.ID.String(),
		Data:     map[string]any{"entry_id": entry.ID.String(), "account": entry.MainAccount},
		Time:     s.clock.Now(),
	})
	return out
}

// requeue sends a validated document whose entry cannot balance back to the
// queue, keeping the attempt in its history.
func (s *Service) requeue(ctx context.Context, tx *gorm.DB, actor authctx.Actor, doc *docdomain.Document, item *domain.QueueItem, cause *journaldomain.UnbalanceableEntryError) error {
	if err := s.docs.Transition(ctx, tx, doc, docdomain.TransitionUpdate{
		To:     docdomain.StatusPendingValidation,
		Actor:  actor.Ref(),
		Reason: cause.Error(),
	}); err != nil {
		return conflictOr(err)
	}
	item.IssueType = domain.IssueMissingInfo
	item.Reasons = append(item.Reasons, cause.Error())
	if err := s.repo.Upsert(ctx, tx, item); err != nil {
		return err
	}
	return s.audit(ctx, tx, actor, actionRequeued, doc.ID, map[string]any{
		"queue_item_id": item.ID.String(),
		"missing":       cause.Missing,
	})
}

func (s *Service) rejectOne(ctx context.Context, actor authctx.Actor, id snowflake.ID, reason string) domain.ItemOutcome {
	out := domain.ItemOutcome{ID: id}
	var doc *docdomain.Document

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, loaded, err := s.openItem(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		doc = loaded
		out.DocumentID = doc.ID

		if err := s.docs.Transition(ctx, tx, doc, docdomain.TransitionUpdate{
			To:     docdomain.StatusRejected,
			Actor:  actor.Ref(),
			Reason: reason,
		}); err != nil {
			return conflictOr(err)
		}
		if err := s.repo.Resolve(ctx, tx, item, domain.ResolutionRejected, actor.Ref(), reason, s.clock.Now()); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, actionRejected, doc.ID, map[string]any{
			"queue_item_id": item.ID.String(),
			"reason":        reason,
		})
	})
	if err != nil {
		return s.failed(out, err)
	}

	out.OK = true
	s.obsMetrics.RecordDocumentStage(ctx, stageValidation, "rejected")
	notify.Safe(ctx, s.publisher, s.log, notify.Event{
		Type:     notify.TypeDocumentRejected,
		TenantID: doc.TenantID,
		Subject:  doc.ID.String(),
		Data:     map[string]any{"reason": reason},
		Time:     s.clock.Now(),
	})
	return out
}

// openItem loads an OPEN item and its document, which must still wait for validation.
func (s *Service) openItem(ctx context.Context, tx *gorm.DB, actor authctx.Actor, id snowflake.ID) (*domain.QueueItem, *docdomain.Document, error) {
	item, err := s.repo.FindByID(ctx, tx, actor.TenantID, id)
	if err != nil {
		return nil, nil, err
	}
	if item.Status != domain.ItemOpen {
		return nil, nil, domain.ErrConflict
	}
	doc, err := s.docs.FindByID(ctx, tx, actor.TenantID, item.DocumentID)
	if err != nil {
		return nil, nil, err
	}
	if doc.Status != docdomain.StatusPendingValidation {
		return nil, nil, domain.ErrConflict
	}
	if s.guard != nil {
		if err := s.guard.EnsureWritable(ctx, tx, doc.TenantID, doc.EffectiveDate()); err != nil {
			return nil, nil, err
		}
	}
	return item, doc, nil
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, actor authctx.Actor, action string, docID snowflake.ID, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	return s.auditSvc.AuditLog(ctx, tx, actor, action, auditTargetType, docID.String(), metadata)
}

func (s *Service) failed(out domain.ItemOutcome, err error) domain.ItemOutcome {
	out.OK = false
	out.Err = err
	out.Error = err.Error()
	if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrItemNotFound) {
		s.log.Warn("queue item not resolved",
			zap.String("queue_item_id", out.ID.String()),
			zap.Error(err),
		)
	}
	return out
}

func conflictOr(err error) error {
	if errors.Is(err, docdomain.ErrConcurrentModification) || errors.Is(err, docdomain.ErrInvalidTransition) {
		return domain.ErrConflict
	}
	return err
}

// selection removes duplicate ids and keeps the request order.
func selection(ids []snowflake.ID) ([]snowflake.ID, error) {
	if len(ids) == 0 {
		return nil, domain.ErrEmptySelection
	}
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == 0 {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, domain.ErrEmptySelection
	}
	if len(out) > maxBulkItems {
		return nil, domain.ErrTooManyItems
	}
	return out, nil
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
