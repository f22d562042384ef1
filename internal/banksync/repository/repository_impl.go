package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	clock clock.Clock
}

func Provide(clk clock.Clock) domain.Repository {
	return &repo{clock: clk}
}

func (r *repo) CreateConnection(ctx context.Context, db *gorm.DB, conn *domain.BankConnection) error {
	return db.WithContext(ctx).Create(conn).Error
}

func (r *repo) FindConnection(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) (*domain.BankConnection, error) {
	var conn domain.BankConnection
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrConnectionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *repo) ListConnections(ctx context.Context, db *gorm.DB, tenantID int64) ([]domain.BankConnection, error) {
	var conns []domain.BankConnection
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC").Order("id ASC").
		Find(&conns).Error
	return conns, err
}

func (r *repo) ListSyncable(ctx context.Context, db *gorm.DB, tenantID int64) ([]domain.BankConnection, error) {
	var conns []domain.BankConnection
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, []domain.ConnectionStatus{domain.ConnectionActive, domain.ConnectionError}).
		Order("id ASC").
		Find(&conns).Error
	return conns, err
}

func (r *repo) Tenants(ctx context.Context, db *gorm.DB) ([]int64, error) {
	var tenants []int64
	err := db.WithContext(ctx).Model(&domain.BankConnection{}).
		Distinct("tenant_id").
		Order("tenant_id ASC").
		Pluck("tenant_id", &tenants).Error
	return tenants, err
}

func (r *repo) UpdateConnection(ctx context.Context, db *gorm.DB, conn *domain.BankConnection, columns map[string]any) error {
	updates := map[string]any{"updated_at": r.clock.Now().UTC()}
	for k, v := range columns {
		updates[k] = v
	}
	res := db.WithContext(ctx).Model(&domain.BankConnection{}).
		Where("tenant_id = ? AND id = ?", conn.TenantID, conn.ID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConnectionNotFound
	}
	refreshed, err := r.FindConnection(ctx, db, conn.TenantID, conn.ID)
	if err != nil {
		return err
	}
	*conn = *refreshed
	return nil
}

func (r *repo) DeleteConnection(ctx context.Context, db *gorm.DB, conn *domain.BankConnection) error {
	res := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", conn.TenantID, conn.ID).
		Delete(&domain.BankConnection{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

func (r *repo) UpsertAccount(ctx context.Context, db *gorm.DB, account *domain.BankAccount) error {
	var existing domain.BankAccount
	err := db.WithContext(ctx).
		Where("connection_id = ? AND provider_account_id = ?", account.ConnectionID, account.ProviderAccountID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.WithContext(ctx).Create(account).Error
	}
	if err != nil {
		return err
	}

	if err := db.WithContext(ctx).Model(&domain.BankAccount{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"name":       account.Name,
			"iban":       account.IBAN,
			"currency":   account.Currency,
			"balance":    account.Balance,
			"balance_at": account.BalanceAt,
			"updated_at": r.clock.Now().UTC(),
		}).Error; err != nil {
		return err
	}
	account.ID = existing.ID
	account.CreatedAt = existing.CreatedAt
	return nil
}

func (r *repo) ListAccounts(ctx context.Context, db *gorm.DB, tenantID int64, connectionID snowflake.ID) ([]domain.BankAccount, error) {
	var accounts []domain.BankAccount
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND connection_id = ?", tenantID, connectionID).
		Order("id ASC").
		Find(&accounts).Error
	return accounts, err
}

func (r *repo) CreateSession(ctx context.Context, db *gorm.DB, session *domain.SyncSession) error {
	return db.WithContext(ctx).Create(session).Error
}

func (r *repo) FinishSession(ctx context.Context, db *gorm.DB, session *domain.SyncSession) error {
	if session.Status == domain.SessionRunning {
		return errors.New("finish requires a terminal status")
	}
	res := db.WithContext(ctx).Model(&domain.SyncSession{}).
		Where("id = ? AND status = ?", session.ID, domain.SessionRunning).
		Updates(map[string]any{
			"status":       session.Status,
			"fetched":      session.Fetched,
			"inserted":     session.Inserted,
			"accounts":     session.Accounts,
			"error_code":   session.ErrorCode,
			"error_detail": session.ErrorDetail,
			"finished_at":  session.FinishedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("sync session already finished")
	}
	return nil
}

func (r *repo) ListSessions(ctx context.Context, db *gorm.DB, tenantID int64, connectionID snowflake.ID, page pagination.Pagination) ([]domain.SyncSession, error) {
	stmt := db.WithContext(ctx).Model(&domain.SyncSession{}).
		Where("tenant_id = ? AND connection_id = ?", tenantID, connectionID)
	stmt, err := pagination.Apply(stmt, page)
	if err != nil {
		return nil, err
	}
	var sessions []domain.SyncSession
	if err := stmt.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, tx *domain.BankTransaction) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}, {Name: "provider_transaction_id"}},
			DoNothing: true,
		}).
		Create(tx)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindTransaction(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) (*domain.BankTransaction, error) {
	var tx domain.BankTransaction
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *repo) ListUnreconciled(ctx context.Context, db *gorm.DB, filter domain.UnreconciledFilter) ([]domain.BankTransaction, error) {
	stmt := db.WithContext(ctx).
		Where("tenant_id = ? AND entry_id IS NULL", filter.TenantID)
	if filter.From != nil {
		stmt = stmt.Where("booked_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		stmt = stmt.Where("booked_at < ?", filter.To.UTC())
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}
	var txs []domain.BankTransaction
	err := stmt.Order("booked_at ASC").Order("id ASC").Find(&txs).Error
	return txs, err
}

func (r *repo) CountUnreconciled(ctx context.Context, db *gorm.DB, tenantID int64, from, to time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.BankTransaction{}).
		Where("tenant_id = ? AND entry_id IS NULL AND booked_at >= ? AND booked_at < ?", tenantID, from.UTC(), to.UTC()).
		Count(&count).Error
	return count, err
}

func (r *repo) AttachEntry(ctx context.Context, db *gorm.DB, tx *domain.BankTransaction, entryID snowflake.ID, at time.Time) error {
	res := db.WithContext(ctx).Model(&domain.BankTransaction{}).
		Where("tenant_id = ? AND id = ? AND entry_id IS NULL", tx.TenantID, tx.ID).
		Updates(map[string]any{
			"entry_id":      entryID,
			"reconciled_at": at,
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrAlreadyReconciled
	}
	tx.EntryID = &entryID
	tx.ReconciledAt = &at
	tx.Version++
	return nil
}

func (r *repo) DetachEntry(ctx context.Context, db *gorm.DB, tx *domain.BankTransaction) error {
	if tx.EntryID == nil {
		return domain.ErrNotReconciled
	}
	res := db.WithContext(ctx).Model(&domain.BankTransaction{}).
		Where("tenant_id = ? AND id = ? AND entry_id = ?", tx.TenantID, tx.ID, *tx.EntryID).
		Updates(map[string]any{
			"entry_id":      nil,
			"reconciled_at": nil,
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotReconciled
	}
	tx.EntryID = nil
	tx.ReconciledAt = nil
	tx.Version++
	return nil
}
