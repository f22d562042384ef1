package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrConnectionNotFound      = errors.New("bank_connection_not_found")
	ErrConnectionInactive      = errors.New("bank_connection_inactive")
	ErrTransactionNotFound     = errors.New("bank_transaction_not_found")
	ErrProviderNotFound        = errors.New("bank_provider_not_found")
	ErrProviderUnavailable     = errors.New("bank_provider_unavailable")
	ErrInvalidProviderResponse = errors.New("bank_provider_invalid_response")
	ErrInvalidProviderConfig   = errors.New("bank_provider_invalid_config")
	ErrConsentExpired          = errors.New("bank_consent_expired")
	ErrSyncInProgress          = errors.New("bank_sync_in_progress")
	ErrLockLost                = errors.New("bank_sync_lock_lost")
	ErrInvalidInstitution      = errors.New("invalid_institution")
	ErrAlreadyReconciled       = errors.New("bank_transaction_already_reconciled")
	ErrNotReconciled           = errors.New("bank_transaction_not_reconciled")
)

// SyncSummary aggregates the sessions of a SyncAll run.
type SyncSummary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Sessions  []SyncSession `json:"sessions"`
}

type ListSessionsRequest struct {
	pagination.Pagination
}

type ListSessionsResponse struct {
	pagination.PageInfo
	Sessions []SyncSession `json:"sessions"`
}

type UnreconciledFilter struct {
	TenantID int64
	From     *time.Time
	To       *time.Time
	Limit    int
}

type Repository interface {
	CreateConnection(ctx context.Context, db *gorm.DB, conn *BankConnection) error
	FindConnection(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) (*BankConnection, error)
	ListConnections(ctx context.Context, db *gorm.DB, tenantID int64) ([]BankConnection, error)
	// ListSyncable returns the live connections of a tenant that a sync may pull.
	ListSyncable(ctx context.Context, db *gorm.DB, tenantID int64) ([]BankConnection, error)
	// Tenants lists tenants holding at least one live connection.
	Tenants(ctx context.Context, db *gorm.DB) ([]int64, error)
	UpdateConnection(ctx context.Context, db *gorm.DB, conn *BankConnection, columns map[string]any) error
	DeleteConnection(ctx context.Context, db *gorm.DB, conn *BankConnection) error

	UpsertAccount(ctx context.Context, db *gorm.DB, account *BankAccount) error
	ListAccounts(ctx context.Context, db *gorm.DB, tenantID int64, connectionID snowflake.ID) ([]BankAccount, error)

	CreateSession(ctx context.Context, db *gorm.DB, session *SyncSession) error
	// FinishSession closes a RUNNING session; a closed session is never reopened.
	FinishSession(ctx context.Context, db *gorm.DB, session *SyncSession) error
	ListSessions(ctx context.Context, db *gorm.DB, tenantID int64, connectionID snowflake.ID, page pagination.Pagination) ([]SyncSession, error)

	// InsertTransaction reports false when the provider id was already imported.
	InsertTransaction(ctx context.Context, db *gorm.DB, tx *BankTransaction) (bool, error)
	FindTransaction(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) (*BankTransaction, error)
	ListUnreconciled(ctx context.Context, db *gorm.DB, filter UnreconciledFilter) ([]BankTransaction, error)
	CountUnreconciled(ctx context.Context, db *gorm.DB, tenantID int64, from, to time.Time) (int64, error)
	// AttachEntry points an unreconciled transaction at entryID, or returns ErrAlreadyReconciled.
	AttachEntry(ctx context.Context, db *gorm.DB, tx *BankTransaction, entryID snowflake.ID, at time.Time) error
	// DetachEntry clears the pointer, or returns ErrNotReconciled.
	DetachEntry(ctx context.Context, db *gorm.DB, tx *BankTransaction) error
}

type Service interface {
	Connect(ctx context.Context, actor authctx.Actor, req ConnectRequest) (*BankConnection, error)
	RenewConsent(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*BankConnection, error)
	Disconnect(ctx context.Context, actor authctx.Actor, id snowflake.ID) error
	ListConnections(ctx context.Context, actor authctx.Actor) ([]BankConnection, error)
	ListAccounts(ctx context.Context, actor authctx.Actor, connectionID snowflake.ID) ([]BankAccount, error)
	ListSessions(ctx context.Context, actor authctx.Actor, connectionID snowflake.ID, req ListSessionsRequest) (ListSessionsResponse, error)
	Sync(ctx context.Context, actor authctx.Actor, connectionID snowflake.ID) (*SyncSession, error)
	SyncAll(ctx context.Context, actor authctx.Actor) (SyncSummary, error)
}
