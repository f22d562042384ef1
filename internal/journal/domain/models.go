package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/autocompta/internal/authctx"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	"gorm.io/gorm"
)

type SourceType string

const (
	SourceTypeDocument SourceType = "document"
	SourceTypeBankRule SourceType = "bank_rule"
)

type EntryStatus string

const (
	EntryStatusDraft  EntryStatus = "DRAFT"
	EntryStatusPosted EntryStatus = "POSTED"
)

// AutoEntry is the header of a generated journal entry. One per source.
type AutoEntry struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID    int64           `gorm:"not null;uniqueIndex:ux_auto_entries_source,priority:1" json:"tenant_id"`
	SourceType  SourceType      `gorm:"type:text;not null;uniqueIndex:ux_auto_entries_source,priority:2" json:"source_type"`
	SourceID    snowflake.ID    `gorm:"not null;uniqueIndex:ux_auto_entries_source,priority:3" json:"source_id"`
	DocumentID  *snowflake.ID   `gorm:"index" json:"document_id,omitempty"`
	JournalCode string          `gorm:"type:text;not null" json:"journal_code"`
	Status      EntryStatus     `gorm:"type:text;not null" json:"status"`
	EntryDate   time.Time       `gorm:"not null" json:"entry_date"`
	Currency    string          `gorm:"type:text;not null" json:"currency"`
	Label       string          `gorm:"type:text" json:"label"`
	MainAccount string          `gorm:"type:text;not null" json:"main_account"`
	TotalDebit  decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"total_debit"`
	TotalCredit decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"total_credit"`
	PostedAt    *time.Time      `json:"posted_at,omitempty"`
	PostedBy    string          `gorm:"type:text" json:"posted_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`

	Lines []EntryLine `gorm:"foreignKey:EntryID" json:"lines,omitempty"`
}

func (AutoEntry) TableName() string { return "auto_entries" }

// EntryLine is one side of a posting. Exactly one of Debit and Credit is non-zero.
type EntryLine struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	EntryID     snowflake.ID    `gorm:"not null;index" json:"entry_id"`
	Position    int             `gorm:"not null" json:"position"`
	AccountCode string          `gorm:"type:text;not null" json:"account_code"`
	Debit       decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"debit"`
	Credit      decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"credit"`
	Label       string          `gorm:"type:text" json:"label"`
}

func (EntryLine) TableName() string { return "entry_lines" }

// Overrides are the validator's corrections applied before posting.
type Overrides struct {
	Account string `json:"account,omitempty"`
	Journal string `json:"journal,omitempty"`
	TaxCode string `json:"tax_code,omitempty"`
}

func Models() []any {
	return []any{&AutoEntry{}, &EntryLine{}}
}

type Service interface {
	// GenerateForDocument builds and stores the draft entry of doc inside db.
	// Calling it twice returns the existing entry.
	GenerateForDocument(ctx context.Context, db *gorm.DB, actor authctx.Actor, doc *docdomain.Document, cls *docdomain.AIClassification, ov Overrides) (*AutoEntry, error)
	// Post moves a balanced draft to POSTED.
	Post(ctx context.Context, db *gorm.DB, actor authctx.Actor, entry *AutoEntry) error
	CreateForBankRule(ctx context.Context, db *gorm.DB, actor authctx.Actor, req BankRuleEntryRequest) (*AutoEntry, error)
	Get(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*AutoEntry, error)
	FindForDocument(ctx context.Context, db *gorm.DB, tenantID int64, documentID snowflake.ID) (*AutoEntry, error)
	EntryIDForDocument(ctx context.Context, tenantID int64, documentID snowflake.ID) (*snowflake.ID, error)
}

// BankRuleEntryRequest books a bank transaction matched by an account rule.
type BankRuleEntryRequest struct {
	TransactionID snowflake.ID
	Amount        decimal.Decimal
	Currency      string
	BookedAt      time.Time
	Account       string
	// Journal overrides the bank journal when set.
	Journal string
	Label   string
}
