package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/autocompta/internal/audit/domain"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/internal/chart"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	journaldomain "github.com/smallbiznis/autocompta/internal/journal/domain"
	obsmetrics "github.com/smallbiznis/autocompta/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Chart      *chart.Chart
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	chart      *chart.Chart
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) journaldomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("journal.service"),
		genID:      p.GenID,
		chart:      p.Chart,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

// ProvideEntryLocator exposes the service to document reads.
func ProvideEntryLocator(svc journaldomain.Service) docdomain.EntryLocator {
	return svc
}

func (s *Service) GenerateForDocument(
	ctx context.Context,
	db *gorm.DB,
	actor authctx.Actor,
	doc *docdomain.Document,
	cls *docdomain.AIClassification,
	ov journaldomain.Overrides,
) (*journaldomain.AutoEntry, error) {
	if doc == nil || doc.ID == 0 {
		return nil, journaldomain.ErrInvalidSourceID
	}
	if doc.Status != docdomain.StatusValidated && doc.Status != docdomain.StatusAnalyzed {
		return nil, journaldomain.ErrDocumentNotBookable
	}
	if db == nil {
		db = s.db
	}

	existing, err := s.FindForDocument(ctx, db, doc.TenantID, doc.ID)
	if err != nil && !errors.Is(err, journaldomain.ErrEntryNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	draft, err := journaldomain.Build(doc, cls, ov, s.chart)
	if err != nil {
		return nil, err
	}

	docID := doc.ID
	return s.insert(ctx, db, actor, entryInput{
		tenantID:   doc.TenantID,
		sourceType: journaldomain.SourceTypeDocument,
		sourceID:   doc.ID,
		documentID: &docID,
		currency:   doc.Currency,
		entryDate:  doc.EffectiveDate(),
		draft:      draft,
	})
}

func (s *Service) CreateForBankRule(ctx context.Context, db *gorm.DB, actor authctx.Actor, req journaldomain.BankRuleEntryRequest) (*journaldomain.AutoEntry, error) {
	if req.TransactionID == 0 {
		return nil, journaldomain.ErrInvalidSourceID
	}
	if strings.TrimSpace(req.Currency) == "" {
		return nil, journaldomain.ErrInvalidEntryCurrency
	}
	if db == nil {
		db = s.db
	}
	draft, err := journaldomain.BuildBankMovement(req.Amount, req.Account, req.Journal, req.Label, s.chart)
	if err != nil {
		return nil, err
	}
	entry, err := s.insert(ctx, db, actor, entryInput{
		tenantID:   actor.TenantID,
		sourceType: journaldomain.SourceTypeBankRule,
		sourceID:   req.TransactionID,
		currency:   req.Currency,
		entryDate:  req.BookedAt,
		draft:      draft,
	})
	if err != nil {
		return nil, err
	}
	if entry.Status == journaldomain.EntryStatusPosted {
		return entry, nil
	}
	if err := s.Post(ctx, db, actor, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

type entryInput struct {
	tenantID   int64
	sourceType journaldomain.SourceType
	sourceID   snowflake.ID
	documentID *snowflake.ID
	currency   string
	entryDate  time.Time
	draft      *journaldomain.Draft
}

func (s *Service) insert(ctx context.Context, db *gorm.DB, actor authctx.Actor, in entryInput) (*journaldomain.AutoEntry, error) {
	currency := strings.ToUpper(strings.TrimSpace(in.currency))
	if currency == "" {
		currency = "EUR"
	}
	debit, credit := journaldomain.Totals(in.draft.Lines)
	now := time.Now().UTC()
	entryID := s.genID.Generate()

	result := db.WithContext(ctx).Exec(
		`INSERT INTO auto_entries (
			id, tenant_id, source_type, source_id, document_id, journal_code, status,
			entry_date, currency, label, main_account, total_debit, total_credit, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, source_type, source_id) DO NOTHING`,
		entryID,
		in.tenantID,
		in.sourceType,
		in.sourceID,
		in.documentID,
		in.draft.JournalCode,
		journaldomain.EntryStatusDraft,
		in.entryDate.UTC(),
		currency,
		in.draft.Label,
		in.draft.Account,
		debit,
		credit,
		now,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return s.findBySource(ctx, db, in.tenantID, in.sourceType, in.sourceID)
	}

	lines := make([]journaldomain.EntryLine, 0, len(in.draft.Lines))
	for _, line := range in.draft.Lines {
		line.ID = s.genID.Generate()
		line.EntryID = entryID
		lines = append(lines, line)
	}
	if err := db.WithContext(ctx).Create(&lines).Error; err != nil {
		return nil, err
	}

	if s.auditSvc != nil {
		metadata := map[string]any{
			"source_type":  string(in.sourceType),
			"source_id":    in.sourceID.String(),
			"journal_code": in.draft.JournalCode,
			"total":        debit.StringFixed(2),
		}
		if err := s.auditSvc.AuditLog(ctx, db, actor, "journal.entry_created", "auto_entry", entryID.String(), metadata); err != nil {
			return nil, err
		}
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordJournalEntry(ctx, string(in.sourceType))
	}

	return &journaldomain.AutoEntry{
		ID:          entryID,
		TenantID:    in.tenantID,
		SourceType:  in.sourceType,
		SourceID:    in.sourceID,
		DocumentID:  in.documentID,
		JournalCode: in.draft.JournalCode,
		Status:      journaldomain.EntryStatusDraft,
		EntryDate:   in.entryDate.UTC(),
		Currency:    currency,
		Label:       in.draft.Label,
		MainAccount: in.draft.Account,
		TotalDebit:  debit,
		TotalCredit: credit,
		CreatedAt:   now,
		Lines:       lines,
	}, nil
}

func (s *Service) Post(ctx context.Context, db *gorm.DB, actor authctx.Actor, entry *journaldomain.AutoEntry) error {
	if entry == nil {
		return journaldomain.ErrEntryNotFound
	}
	if entry.Status == journaldomain.EntryStatusPosted {
		return journaldomain.ErrEntryAlreadyPosted
	}
	if db == nil {
		db = s.db
	}

	lines := entry.Lines
	if len(lines) == 0 {
		if err := db.WithContext(ctx).Where("entry_id = ?", entry.ID).Order("position ASC").Find(&lines).Error; err != nil {
			return err
		}
	}
	if err := journaldomain.ValidateBalanced(lines); err != nil {
		return err
	}

	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&journaldomain.AutoEntry{}).
		Where("tenant_id = ? AND id = ? AND status = ?", entry.TenantID, entry.ID, journaldomain.EntryStatusDraft).
		Updates(map[string]any{
			"status":    journaldomain.EntryStatusPosted,
			"posted_at": now,
			"posted_by": actor.Ref(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return journaldomain.ErrEntryAlreadyPosted
	}

	if s.auditSvc != nil {
		if err := s.auditSvc.AuditLog(ctx, db, actor, "journal.entry_posted", "auto_entry", entry.ID.String(), map[string]any{
			"journal_code": entry.JournalCode,
		}); err != nil {
			return err
		}
	}

	entry.Status = journaldomain.EntryStatusPosted
	entry.PostedAt = &now
	entry.PostedBy = actor.Ref()
	entry.Lines = lines
	s.log.Info("journal entry posted",
		zap.String("entry_id", entry.ID.String()),
		zap.Int64("tenant_id", entry.TenantID),
		zap.String("source_type", string(entry.SourceType)),
	)
	return nil
}

func (s *Service) Get(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*journaldomain.AutoEntry, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return nil, err
	}
	var entry journaldomain.AutoEntry
	err := s.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("tenant_id = ? AND id = ?", actor.TenantID, id).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, journaldomain.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Service) FindForDocument(ctx context.Context, db *gorm.DB, tenantID int64, documentID snowflake.ID) (*journaldomain.AutoEntry, error) {
	if db == nil {
		db = s.db
	}
	return s.findBySource(ctx, db, tenantID, journaldomain.SourceTypeDocument, documentID)
}

func (s *Service) EntryIDForDocument(ctx context.Context, tenantID int64, documentID snowflake.ID) (*snowflake.ID, error) {
	entry, err := s.FindForDocument(ctx, s.db, tenantID, documentID)
	if errors.Is(err, journaldomain.ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry.ID, nil
}

func (s *Service) findBySource(ctx context.Context, db *gorm.DB, tenantID int64, sourceType journaldomain.SourceType, sourceID snowflake.ID) (*journaldomain.AutoEntry, error) {
	var entry journaldomain.AutoEntry
	err := db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("tenant_id = ? AND source_type = ? AND source_id = ?", tenantID, sourceType, sourceID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, journaldomain.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
