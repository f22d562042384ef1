package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/validation/domain"
	"github.com/smallbiznis/autocompta/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) domain.Repository {
	return &repo{genID: genID}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, item *domain.QueueItem) error {
	existing, err := r.FindByDocument(ctx, db, item.TenantID, item.DocumentID)
	if err != nil && !errors.Is(err, domain.ErrItemNotFound) {
		return err
	}

	now := time.Now().UTC()
	item.Status = domain.ItemOpen
	if existing == nil {
		if item.ID == 0 {
			item.ID = r.genID.Generate()
		}
		item.CreatedAt = now
		item.UpdatedAt = now
		return db.WithContext(ctx).Create(item).Error
	}

	err = db.WithContext(ctx).Model(&domain.QueueItem{}).
		Where("tenant_id = ? AND id = ?", existing.TenantID, existing.ID).
		Updates(map[string]any{
			"issue_type":       item.IssueType,
			"confidence_level": item.ConfidenceLevel,
			"confidence_score": item.ConfidenceScore,
			"reasons":          item.Reasons,
			"status":           domain.ItemOpen,
			"resolution":       "",
			"resolved_by":      "",
			"resolved_at":      nil,
			"updated_at":       now,
		}).Error
	if err != nil {
		return err
	}
	refreshed, err := r.FindByID(ctx, db, existing.TenantID, existing.ID)
	if err != nil {
		return err
	}
	*item = *refreshed
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) (*domain.QueueItem, error) {
	return r.take(db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id))
}

func (r *repo) FindByDocument(ctx context.Context, db *gorm.DB, tenantID int64, documentID snowflake.ID) (*domain.QueueItem, error) {
	return r.take(db.WithContext(ctx).Where("tenant_id = ? AND document_id = ?", tenantID, documentID))
}

func (r *repo) take(stmt *gorm.DB) (*domain.QueueItem, error) {
	var item domain.QueueItem
	err := stmt.Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter, page pagination.Pagination) ([]domain.QueueItem, error) {
	stmt := db.WithContext(ctx).Model(&domain.QueueItem{}).Where("tenant_id = ?", filter.TenantID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.IssueType != "" {
		stmt = stmt.Where("issue_type = ?", filter.IssueType)
	}
	if filter.ConfidenceLevel != "" {
		stmt = stmt.Where("confidence_level = ?", filter.ConfidenceLevel)
	}

	stmt, err := pagination.Apply(stmt, page)
	if err != nil {
		return nil, err
	}
	var items []domain.QueueItem
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Resolve(ctx context.Context, db *gorm.DB, item *domain.QueueItem, resolution domain.Resolution, actor, comment string, at time.Time) error {
	res := db.WithContext(ctx).Model(&domain.QueueItem{}).
		Where("tenant_id = ? AND id = ? AND status = ?", item.TenantID, item.ID, domain.ItemOpen).
		Updates(map[string]any{
			"status":      domain.ItemResolved,
			"resolution":  resolution,
			"resolved_by": actor,
			"resolved_at": at,
			"comment":     comment,
			"updated_at":  at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	item.Status = domain.ItemResolved
	item.Resolution = resolution
	item.ResolvedBy = actor
	item.ResolvedAt = &at
	item.Comment = comment
	item.UpdatedAt = at
	return nil
}
