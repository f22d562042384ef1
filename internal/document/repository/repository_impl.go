package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct {
	genID *snowflake.Node
	clock clock.Clock
}

func Provide(genID *snowflake.Node, clk clock.Clock) domain.Repository {
	return &repo{genID: genID, clock: clk}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, doc *domain.Document) error {
	return db.WithContext(ctx).Create(doc).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) (*domain.Document, error) {
	var doc domain.Document
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter, page pagination.Pagination) ([]domain.Document, error) {
	stmt := db.WithContext(ctx).Model(&domain.Document{}).Where("tenant_id = ?", filter.TenantID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		stmt = stmt.Where("document_type = ?", filter.Type)
	}
	if filter.From != nil {
		stmt = stmt.Where("document_date >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		stmt = stmt.Where("document_date <= ?", filter.To.UTC())
	}

	stmt, err := pagination.Apply(stmt, page)
	if err != nil {
		return nil, err
	}
	var docs []domain.Document
	if err := stmt.Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, doc *domain.Document, upd domain.TransitionUpdate) error {
	from := doc.Status
	if !domain.CanTransition(from, upd.To) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, upd.To)
	}

	now := r.clock.Now().UTC()
	columns := map[string]any{}
	for k, v := range upd.Columns {
		columns[k] = v
	}
	columns["status"] = upd.To
	columns["version"] = doc.Version + 1
	columns["updated_at"] = now

	res := db.WithContext(ctx).Model(&domain.Document{}).
		Where("tenant_id = ? AND id = ? AND version = ? AND status = ?", doc.TenantID, doc.ID, doc.Version, from).
		Updates(columns)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, db, doc.TenantID, doc.ID); err != nil {
			return err
		}
		return domain.ErrConcurrentModification
	}

	actor := strings.TrimSpace(upd.Actor)
	if actor == "" {
		actor = "system:pipeline"
	}
	history := domain.DocumentTransition{
		ID:         r.genID.Generate(),
		TenantID:   doc.TenantID,
		DocumentID: doc.ID,
		FromStatus: from,
		ToStatus:   upd.To,
		Actor:      actor,
		Reason:     upd.Reason,
		CreatedAt:  now,
	}
	if err := db.WithContext(ctx).Create(&history).Error; err != nil {
		return err
	}

	refreshed, err := r.FindByID(ctx, db, doc.TenantID, doc.ID)
	if err != nil {
		return err
	}
	*doc = *refreshed
	return nil
}

func (r *repo) History(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) ([]domain.DocumentTransition, error) {
	var rows []domain.DocumentTransition
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND document_id = ?", tenantID, id).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) RecordExtractionRun(ctx context.Context, db *gorm.DB, doc *domain.Document) error {
	res := db.WithContext(ctx).Model(&domain.Document{}).
		Where("tenant_id = ? AND id = ? AND version = ?", doc.TenantID, doc.ID, doc.Version).
		Updates(map[string]any{
			"extraction_runs": gorm.Expr("extraction_runs + 1"),
			"version":         doc.Version + 1,
			"updated_at":      r.clock.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, db, doc.TenantID, doc.ID); err != nil {
			return err
		}
		return domain.ErrConcurrentModification
	}
	refreshed, err := r.FindByID(ctx, db, doc.TenantID, doc.ID)
	if err != nil {
		return err
	}
	*doc = *refreshed
	return nil
}

func (r *repo) InsertOCR(ctx context.Context, db *gorm.DB, ocr *domain.OCRResult) error {
	if err := db.WithContext(ctx).Model(&domain.OCRResult{}).
		Where("tenant_id = ? AND document_id = ? AND superseded_at IS NULL", ocr.TenantID, ocr.DocumentID).
		Update("superseded_at", r.clock.Now().UTC()).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Create(ocr).Error
}

func (r *repo) LiveOCR(ctx context.Context, db *gorm.DB, tenantID int64, documentID snowflake.ID) (*domain.OCRResult, error) {
	var row domain.OCRResult
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND document_id = ? AND superseded_at IS NULL", tenantID, documentID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) InsertClassification(ctx context.Context, db *gorm.DB, c *domain.AIClassification) error {
	if err := db.WithContext(ctx).Model(&domain.AIClassification{}).
		Where("tenant_id = ? AND document_id = ? AND superseded_at IS NULL", c.TenantID, c.DocumentID).
		Update("superseded_at", r.clock.Now().UTC()).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Create(c).Error
}

func (r *repo) LiveClassification(ctx context.Context, db *gorm.DB, tenantID int64, documentID snowflake.ID) (*domain.AIClassification, error) {
	var row domain.AIClassification
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND document_id = ? AND superseded_at IS NULL", tenantID, documentID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) PriorClassifications(ctx context.Context, db *gorm.DB, tenantID int64, limit int) ([]domain.PriorClassification, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []struct {
		ID               int64
		CounterpartyName string
		BookedAccount    string
		RawText          *string
	}
	err := db.WithContext(ctx).Raw(
		`SELECT d.id, d.counterparty_name, d.booked_account, o.raw_text
		 FROM documents d
		 LEFT JOIN ocr_results o ON o.document_id = d.id AND o.superseded_at IS NULL
		 WHERE d.tenant_id = ? AND d.booked_account IS NOT NULL AND d.booked_account <> ''
		 ORDER BY d.id DESC
		 LIMIT ?`,
		tenantID, limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.PriorClassification, 0, len(rows))
	for _, row := range rows {
		text := row.CounterpartyName
		if row.RawText != nil {
			text += " " + *row.RawText
		}
		out = append(out, domain.PriorClassification{
			DocumentID:       snowflake.ID(row.ID),
			CounterpartyName: row.CounterpartyName,
			Account:          row.BookedAccount,
			Text:             text,
		})
	}
	return out, nil
}

// FindPossibleDuplicates returns other live documents of the same counterparty
// sharing the invoice number, or the total and date.
func (r *repo) FindPossibleDuplicates(ctx context.Context, db *gorm.DB, doc *domain.Document) ([]domain.Document, error) {
	if strings.TrimSpace(doc.CounterpartyName) == "" {
		return nil, nil
	}
	stmt := db.WithContext(ctx).Model(&domain.Document{}).
		Where("tenant_id = ? AND id <> ? AND lineage_id <> ?", doc.TenantID, doc.ID, doc.LineageID).
		Where("status NOT IN ?", []domain.Status{domain.StatusRejected, domain.StatusError}).
		Where("LOWER(counterparty_name) = ?", strings.ToLower(strings.TrimSpace(doc.CounterpartyName)))

	switch {
	case strings.TrimSpace(doc.InvoiceNumber) != "":
		stmt = stmt.Where("invoice_number = ?", strings.TrimSpace(doc.InvoiceNumber))
	case doc.TotalAmount.Valid && doc.DocumentDate != nil:
		stmt = stmt.Where("total_amount = ? AND document_date = ?", doc.TotalAmount.Decimal, doc.DocumentDate.UTC())
	default:
		return nil, nil
	}

	var docs []domain.Document
	if err := stmt.Limit(5).Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *repo) SetPaymentStatus(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID, status domain.PaymentStatus) error {
	return db.WithContext(ctx).Model(&domain.Document{}).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Updates(map[string]any{"payment_status": status, "updated_at": r.clock.Now().UTC()}).Error
}

func (r *repo) CountDated(ctx context.Context, db *gorm.DB, tenantID int64, statuses []domain.Status, from, to time.Time) (int64, error) {
	var count int64
	err := dated(db.WithContext(ctx).Model(&domain.Document{}), tenantID, statuses, from, to).
		Count(&count).Error
	return count, err
}

func (r *repo) ListDated(ctx context.Context, db *gorm.DB, tenantID int64, statuses []domain.Status, from, to time.Time, limit int) ([]domain.Document, error) {
	stmt := dated(db.WithContext(ctx), tenantID, statuses, from, to).
		Order("id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	var docs []domain.Document
	err := stmt.Find(&docs).Error
	return docs, err
}

func dated(stmt *gorm.DB, tenantID int64, statuses []domain.Status, from, to time.Time) *gorm.DB {
	return stmt.
		Where("tenant_id = ? AND status IN ?", tenantID, statuses).
		Where("COALESCE(document_date, created_at) >= ? AND COALESCE(document_date, created_at) < ?", from.UTC(), to.UTC())
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, statuses []domain.Status, before time.Time, limit int) ([]domain.Document, error) {
	stmt := db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, before.UTC()).
		Order("updated_at ASC").Order("id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	var docs []domain.Document
	err := stmt.Find(&docs).Error
	return docs, err
}
