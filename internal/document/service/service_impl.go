package service

import (
	"context"
	"errors"
	"mime"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/internal/blobstore"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/config"
	"github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Blobs      blobstore.Store
	Clock      clock.Clock
	Cfg        config.Config       `optional:"true"`
	Dispatcher domain.Dispatcher   `optional:"true"`
	Entries    domain.EntryLocator `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	blobs      blobstore.Store
	clock      clock.Clock
	blobPrefix string
	dispatcher domain.Dispatcher
	entries    domain.EntryLocator
}

func NewService(p Params) domain.Service {
	prefix := p.Cfg.Storage.Prefix
	if prefix == "" {
		prefix = "documents"
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("document.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		blobs:      p.Blobs,
		clock:      p.Clock,
		blobPrefix: prefix,
		dispatcher: p.Dispatcher,
		entries:    p.Entries,
	}
}

func (s *Service) Submit(ctx context.Context, actor authctx.Actor, req domain.SubmitRequest) (*domain.Document, error) {
	if err := actor.Require(authctx.CapDocumentSubmit); err != nil {
		return nil, err
	}
	if len(req.Content) == 0 {
		return nil, domain.ErrEmptyContent
	}
	mimeType, err := normalizeMimeType(req.MimeType)
	if err != nil {
		return nil, err
	}
	source := req.Source
	if source == "" {
		source = domain.SourceUpload
	}
	if !source.Valid() {
		return nil, domain.ErrInvalidSource
	}
	if req.DocumentType != domain.TypeUnknown {
		if _, ok := domain.ParseDocumentType(string(req.DocumentType)); !ok {
			return nil, domain.ErrInvalidDocumentType
		}
	}

	if req.LinkedDocumentID != nil {
		linked, err := s.repo.FindByID(ctx, s.db, actor.TenantID, *req.LinkedDocumentID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.ErrInvalidLinkedDocument
			}
			return nil, err
		}
		if linked.Type != domain.TypePurchaseOrder {
			return nil, domain.ErrInvalidLinkedDocument
		}
	}

	key := blobstore.Key(s.blobPrefix, actor.TenantID, req.Content)
	if err := s.blobs.Put(ctx, key, req.Content, mimeType); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	id := s.genID.Generate()
	doc := &domain.Document{
		ID:               id,
		TenantID:         actor.TenantID,
		LineageID:        id,
		Type:             req.DocumentType,
		Status:           domain.StatusReceived,
		Source:           source,
		Filename:         strings.TrimSpace(req.Filename),
		MimeType:         mimeType,
		BlobKey:          key,
		Currency:         "EUR",
		InvoiceNumber:    strings.TrimSpace(req.InvoiceNumber),
		CounterpartyName: strings.TrimSpace(req.CounterpartyName),
		LinkedDocumentID: req.LinkedDocumentID,
		PaymentStatus:    domain.PaymentUnpaid,
		Notes:            strings.TrimSpace(req.Notes),
		Tags:             datatypes.JSONSlice[string](normalizeTags(req.Tags)),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.TotalAmount != nil {
		doc.TotalAmount = decimal.NewNullDecimal(req.TotalAmount.Round(2))
	}
	if req.DocumentDate != nil {
		date := req.DocumentDate.UTC()
		doc.DocumentDate = &date
	}

	if err := s.repo.Create(ctx, s.db, doc); err != nil {
		return nil, err
	}

	s.log.Info("document received",
		zap.String("document_id", doc.ID.String()),
		zap.Int64("tenant_id", doc.TenantID),
		zap.String("source", string(doc.Source)),
		zap.String("mime_type", doc.MimeType),
	)
	s.dispatch(doc)
	return doc, nil
}

func (s *Service) Get(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*domain.DocumentView, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return nil, err
	}
	doc, err := s.repo.FindByID(ctx, s.db, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	ocr, err := s.repo.LiveOCR(ctx, s.db, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	classification, err := s.repo.LiveClassification(ctx, s.db, actor.TenantID, id)
	if err != nil {
		return nil, err
	}

	view := &domain.DocumentView{Document: *doc, OCR: ocr, Classification: classification}
	if s.entries != nil {
		entryID, err := s.entries.EntryIDForDocument(ctx, actor.TenantID, id)
		if err != nil {
			return nil, err
		}
		view.EntryID = entryID
	}
	return view, nil
}

func (s *Service) List(ctx context.Context, actor authctx.Actor, req domain.ListRequest) (domain.ListResponse, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return domain.ListResponse{}, err
	}
	if req.Status != "" && !req.Status.Valid() {
		return domain.ListResponse{}, domain.ErrInvalidStatus
	}

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		TenantID: actor.TenantID,
		Status:   req.Status,
		Type:     req.Type,
		From:     req.From,
		To:       req.To,
	}, req.Pagination)
	if err != nil {
		return domain.ListResponse{}, err
	}

	docs, pageInfo, err := pagination.Page(items, req.Pagination, func(d domain.Document) pagination.Cursor {
		return pagination.Cursor{ID: d.ID.Int64(), CreatedAt: d.CreatedAt}
	})
	if err != nil {
		return domain.ListResponse{}, err
	}
	return domain.ListResponse{PageInfo: pageInfo, Documents: docs}, nil
}

func (s *Service) History(ctx context.Context, actor authctx.Actor, id snowflake.ID) ([]domain.DocumentTransition, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return nil, err
	}
	if _, err := s.repo.FindByID(ctx, s.db, actor.TenantID, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, s.db, actor.TenantID, id)
}

// Resubmit starts a new document in the lineage of a rejected or failed one.
// The old record keeps its terminal status.
func (s *Service) Resubmit(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*domain.Document, error) {
	if err := actor.Require(authctx.CapDocumentSubmit); err != nil {
		return nil, err
	}
	prev, err := s.repo.FindByID(ctx, s.db, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != domain.StatusRejected && prev.Status != domain.StatusError {
		return nil, domain.ErrNotResubmittable
	}

	now := s.clock.Now()
	prevID := prev.ID
	doc := &domain.Document{
		ID:               s.genID.Generate(),
		TenantID:         prev.TenantID,
		LineageID:        prev.LineageID,
		ResubmittedFrom:  &prevID,
		Type:             prev.Type,
		Status:           domain.StatusReceived,
		Source:           prev.Source,
		Filename:         prev.Filename,
		MimeType:         prev.MimeType,
		BlobKey:          prev.BlobKey,
		Currency:         prev.Currency,
		InvoiceNumber:    prev.InvoiceNumber,
		CounterpartyName: prev.CounterpartyName,
		LinkedDocumentID: prev.LinkedDocumentID,
		PaymentStatus:    domain.PaymentUnpaid,
		Notes:            prev.Notes,
		Tags:             prev.Tags,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Create(ctx, s.db, doc); err != nil {
		return nil, err
	}

	s.log.Info("document resubmitted",
		zap.String("document_id", doc.ID.String()),
		zap.String("resubmitted_from", prevID.String()),
		zap.String("actor", actor.Ref()),
	)
	s.dispatch(doc)
	return doc, nil
}

func (s *Service) dispatch(doc *domain.Document) {
	if s.dispatcher == nil {
		s.log.Warn("no pipeline dispatcher, document stays RECEIVED", zap.String("document_id", doc.ID.String()))
		return
	}
	s.dispatcher.Dispatch(doc.TenantID, doc.ID)
}

func normalizeMimeType(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.ErrInvalidMimeType
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", domain.ErrInvalidMimeType
	}
	return strings.ToLower(mediaType), nil
}

func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
