package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/period/domain"
	pkgdb "github.com/smallbiznis/autocompta/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, period *domain.Period) error {
	err := db.WithContext(ctx).Create(period).Error
	if pkgdb.IsDuplicateKeyErr(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) (*domain.Period, error) {
	var period domain.Period
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &period, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, tenantID int64) ([]domain.Period, error) {
	var periods []domain.Period
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("start_date DESC").
		Find(&periods).Error
	return periods, err
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, period *domain.Period, upd domain.TransitionUpdate) error {
	if period.Status != upd.From {
		return domain.ErrInvalidTransition
	}
	updates := map[string]any{
		"status":     upd.To,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	}
	for k, v := range upd.Columns {
		updates[k] = v
	}
	res := db.WithContext(ctx).Model(&domain.Period{}).
		Where("tenant_id = ? AND id = ? AND status = ? AND version = ?", period.TenantID, period.ID, upd.From, period.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}
	refreshed, err := r.FindByID(ctx, db, period.TenantID, period.ID)
	if err != nil {
		return err
	}
	*period = *refreshed
	return nil
}

func (r *repo) CertifiedContaining(ctx context.Context, db *gorm.DB, tenantID int64, date time.Time) (*domain.Period, bool, error) {
	var period domain.Period
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND status = ? AND start_date <= ? AND end_date > ?",
			tenantID, domain.StatusCertified, date.UTC(), date.UTC()).
		Take(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &period, true, nil
}
