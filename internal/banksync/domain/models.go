package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ConnectionStatus string

const (
	ConnectionPending ConnectionStatus = "PENDING"
	ConnectionActive  ConnectionStatus = "ACTIVE"
	ConnectionExpired ConnectionStatus = "EXPIRED"
	ConnectionError   ConnectionStatus = "ERROR"
)

type SessionStatus string

const (
	SessionRunning SessionStatus = "RUNNING"
	SessionSuccess SessionStatus = "SUCCESS"
	SessionFailed  SessionStatus = "FAILED"
)

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// BankConnection is the consent granted on one institution through a provider.
// Disconnecting soft deletes it; its transactions stay.
type BankConnection struct {
	ID               snowflake.ID     `gorm:"primaryKey" json:"id"`
	TenantID         int64            `gorm:"not null;index" json:"tenant_id"`
	Provider         string           `gorm:"type:text;not null" json:"provider"`
	ExternalRef      string           `gorm:"type:text;not null" json:"external_ref"`
	InstitutionName  string           `gorm:"type:text" json:"institution_name"`
	Status           ConnectionStatus `gorm:"type:text;not null" json:"status"`
	ConsentExpiresAt *time.Time       `json:"consent_expires_at,omitempty"`
	SyncedThrough    *time.Time       `json:"synced_through,omitempty"`
	LastError        string           `gorm:"type:text" json:"last_error,omitempty"`
	CreatedBy        string           `gorm:"type:text" json:"created_by"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	DeletedAt        gorm.DeletedAt   `gorm:"index" json:"-"`
}

func (BankConnection) TableName() string { return "bank_connections" }

// ConsentExpired reports whether the consent has lapsed at now.
func (c BankConnection) ConsentExpired(now time.Time) bool {
	return c.Status == ConnectionExpired || (c.ConsentExpiresAt != nil && !now.Before(*c.ConsentExpiresAt))
}

// BankAccount balances are refreshed only by a successful session.
type BankAccount struct {
	ID                snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID          int64           `gorm:"not null;index" json:"tenant_id"`
	ConnectionID      snowflake.ID    `gorm:"not null;uniqueIndex:ux_bank_accounts_provider,priority:1" json:"connection_id"`
	ProviderAccountID string          `gorm:"type:text;not null;uniqueIndex:ux_bank_accounts_provider,priority:2" json:"provider_account_id"`
	Name              string          `gorm:"type:text" json:"name"`
	IBAN              string          `gorm:"column:iban;type:text" json:"iban,omitempty"`
	Currency          string          `gorm:"type:text;not null" json:"currency"`
	Balance           decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"balance"`
	BalanceAt         *time.Time      `json:"balance_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (BankAccount) TableName() string { return "bank_accounts" }

// SyncSession moves from RUNNING to SUCCESS or FAILED exactly once.
type SyncSession struct {
	ID           snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID     int64         `gorm:"not null;index" json:"tenant_id"`
	ConnectionID snowflake.ID  `gorm:"not null;index" json:"connection_id"`
	Trigger      Trigger       `gorm:"type:text;not null" json:"trigger"`
	Status       SessionStatus `gorm:"type:text;not null" json:"status"`
	Since        *time.Time    `json:"since,omitempty"`
	Fetched      int           `gorm:"not null;default:0" json:"fetched"`
	Inserted     int           `gorm:"not null;default:0" json:"inserted"`
	Accounts     int           `gorm:"not null;default:0" json:"accounts"`
	ErrorCode    string        `gorm:"type:text" json:"error_code,omitempty"`
	ErrorDetail  string        `gorm:"type:text" json:"error_detail,omitempty"`
	StartedBy    string        `gorm:"type:text" json:"started_by"`
	CreatedAt    time.Time     `json:"created_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

func (SyncSession) TableName() string { return "bank_sync_sessions" }

// BankTransaction is immutable except for its reconciliation pointer.
type BankTransaction struct {
	ID                    snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID              int64           `gorm:"not null;index:idx_bank_transactions_tenant_booked,priority:1" json:"tenant_id"`
	ConnectionID          snowflake.ID    `gorm:"not null;uniqueIndex:ux_bank_transactions_provider,priority:1" json:"connection_id"`
	AccountID             snowflake.ID    `gorm:"not null;index" json:"account_id"`
	ProviderTransactionID string          `gorm:"type:text;not null;uniqueIndex:ux_bank_transactions_provider,priority:2" json:"provider_transaction_id"`
	BookedAt              time.Time       `gorm:"not null;index:idx_bank_transactions_tenant_booked,priority:2" json:"booked_at"`
	ValueDate             *time.Time      `json:"value_date,omitempty"`
	Amount                decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	Currency              string          `gorm:"type:text;not null" json:"currency"`
	Label                 string          `gorm:"type:text" json:"label"`
	Counterparty          string          `gorm:"type:text" json:"counterparty,omitempty"`
	Reference             string          `gorm:"type:text" json:"reference,omitempty"`
	EntryID               *snowflake.ID   `gorm:"index" json:"entry_id,omitempty"`
	ReconciledAt          *time.Time      `json:"reconciled_at,omitempty"`
	Version               int64           `gorm:"not null;default:1" json:"version"`
	CreatedAt             time.Time       `json:"created_at"`
}

func (BankTransaction) TableName() string { return "bank_transactions" }

func (t BankTransaction) Reconciled() bool {
	return t.EntryID != nil
}

func Models() []any {
	return []any{&BankConnection{}, &BankAccount{}, &SyncSession{}, &BankTransaction{}}
}
