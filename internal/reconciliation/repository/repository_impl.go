package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/internal/reconciliation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) CreateRule(ctx context.Context, db *gorm.DB, rule *domain.Rule) error {
	return db.WithContext(ctx).Create(rule).Error
}

func (r *repo) FindRule(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) (*domain.Rule, error) {
	var rule domain.Rule
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *repo) ListRules(ctx context.Context, db *gorm.DB, tenantID int64, activeOnly bool) ([]domain.Rule, error) {
	stmt := db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if activeOnly {
		stmt = stmt.Where("active = ?", true)
	}
	var rules []domain.Rule
	if err := stmt.Order("priority DESC").Order("id ASC").Find(&rules).Error; err != nil {
		return nil, err
	}
	for i := range rules {
		// a stored rule was validated on create; a broken regex just never fires
		_ = rules[i].Compile()
	}
	return rules, nil
}

func (r *repo) DeleteRule(ctx context.Context, db *gorm.DB, rule *domain.Rule) error {
	res := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", rule.TenantID, rule.ID).
		Delete(&domain.Rule{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrRuleNotFound
	}
	return nil
}

func (r *repo) SetRuleActive(ctx context.Context, db *gorm.DB, rule *domain.Rule, active bool) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.Rule{}).
		Where("tenant_id = ? AND id = ?", rule.TenantID, rule.ID).
		Updates(map[string]any{"active": active, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrRuleNotFound
	}
	rule.Active = active
	rule.UpdatedAt = now
	return nil
}

func (r *repo) IncrementMatches(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) error {
	return db.WithContext(ctx).Model(&domain.Rule{}).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		UpdateColumn("matches_count", gorm.Expr("matches_count + ?", 1)).Error
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, rec *domain.Reconciliation) error {
	return db.WithContext(ctx).Create(rec).Error
}

func (r *repo) ActiveForTransaction(ctx context.Context, db *gorm.DB, tenantID int64, transactionID snowflake.ID) (*domain.Reconciliation, error) {
	var rec domain.Reconciliation
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND transaction_id = ? AND reversed_at IS NULL", tenantID, transactionID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrReconciliationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *repo) SettledAmount(ctx context.Context, db *gorm.DB, tenantID int64, documentID snowflake.ID) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := db.WithContext(ctx).Model(&domain.Reconciliation{}).
		Where("tenant_id = ? AND document_id = ? AND reversed_at IS NULL", tenantID, documentID).
		Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Sum(decimal.Zero, amounts...), nil
}

func (r *repo) Reverse(ctx context.Context, db *gorm.DB, rec *domain.Reconciliation, by string, at time.Time) error {
	res := db.WithContext(ctx).Model(&domain.Reconciliation{}).
		Where("tenant_id = ? AND id = ? AND reversed_at IS NULL", rec.TenantID, rec.ID).
		Updates(map[string]any{"reversed_at": at, "reversed_by": by})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrReconciliationConflict
	}
	rec.ReversedAt = &at
	rec.ReversedBy = by
	return nil
}

func (r *repo) History(ctx context.Context, db *gorm.DB, tenantID int64, transactionID snowflake.ID) ([]domain.Reconciliation, error) {
	var recs []domain.Reconciliation
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND transaction_id = ?", tenantID, transactionID).
		Order("created_at ASC").Order("id ASC").
		Find(&recs).Error
	return recs, err
}

func (r *repo) OpenDocuments(ctx context.Context, db *gorm.DB, tenantID int64) ([]docdomain.Document, error) {
	var docs []docdomain.Document
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ? AND payment_status <> ?", tenantID,
			[]docdomain.Status{docdomain.StatusAccounted, docdomain.StatusPosted}, docdomain.PaymentPaid).
		Order("id ASC").
		Find(&docs).Error
	return docs, err
}
