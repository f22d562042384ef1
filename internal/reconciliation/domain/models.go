package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/pkg/textmatch"
	"gorm.io/gorm"
)

type RuleField string

const (
	FieldLabel        RuleField = "label"
	FieldCounterparty RuleField = "counterparty"
	FieldReference    RuleField = "reference"
)

func (f RuleField) Valid() bool {
	switch f {
	case FieldLabel, FieldCounterparty, FieldReference:
		return true
	}
	return false
}

type MatchType string

const (
	MatchExact    MatchType = "EXACT"
	MatchContains MatchType = "CONTAINS"
	MatchRegex    MatchType = "REGEX"
)

func (m MatchType) Valid() bool {
	switch m {
	case MatchExact, MatchContains, MatchRegex:
		return true
	}
	return false
}

type RuleAction string

const (
	ActionAssignDocument RuleAction = "ASSIGN_DOCUMENT"
	ActionAssignAccount  RuleAction = "ASSIGN_ACCOUNT"
	ActionAssignJournal  RuleAction = "ASSIGN_JOURNAL"
)

func (a RuleAction) Valid() bool {
	switch a {
	case ActionAssignDocument, ActionAssignAccount, ActionAssignJournal:
		return true
	}
	return false
}

type Type string

const (
	TypeAuto   Type = "AUTO"
	TypeManual Type = "MANUAL"
	TypeRule   Type = "RULE"
)

// Rule matches bank transactions before any scoring happens.
type Rule struct {
	ID           snowflake.ID   `gorm:"primaryKey" json:"id"`
	TenantID     int64          `gorm:"not null;index" json:"tenant_id"`
	Name         string         `gorm:"type:text;not null" json:"name"`
	Field        RuleField      `gorm:"type:text;not null" json:"field"`
	MatchType    MatchType      `gorm:"type:text;not null" json:"match_type"`
	Value        string         `gorm:"type:text;not null" json:"value"`
	Action       RuleAction     `gorm:"type:text;not null" json:"action"`
	Target       string         `gorm:"type:text;not null" json:"target"`
	Priority     int            `gorm:"not null;default:0" json:"priority"`
	Active       bool           `gorm:"not null;default:true" json:"active"`
	MatchesCount int64          `gorm:"not null;default:0" json:"matches_count"`
	CreatedBy    string         `gorm:"type:text" json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`

	re *regexp.Regexp
}

func (Rule) TableName() string { return "reconciliation_rules" }

// Compile prepares a REGEX rule. Other match types compile to nothing.
func (r *Rule) Compile() error {
	if r.MatchType != MatchRegex {
		return nil
	}
	re, err := regexp.Compile("(?i)" + r.Value)
	if err != nil {
		return err
	}
	r.re = re
	return nil
}

// Matches reports whether the rule fires on tx.
func (r *Rule) Matches(tx bankdomain.BankTransaction) bool {
	var subject string
	switch r.Field {
	case FieldLabel:
		subject = tx.Label
	case FieldCounterparty:
		subject = tx.Counterparty
	case FieldReference:
		subject = tx.Reference
	}
	return r.matchString(subject)
}

func (r *Rule) matchString(subject string) bool {
	if strings.TrimSpace(subject) == "" {
		return false
	}
	switch r.MatchType {
	case MatchExact:
		return textmatch.Normalize(subject) == textmatch.Normalize(r.Value)
	case MatchContains:
		return textmatch.ContainsFold(subject, r.Value)
	case MatchRegex:
		if r.re == nil && r.Compile() != nil {
			return false
		}
		return r.re.MatchString(subject)
	}
	return false
}

// MatchesCounterparty applies a counterparty rule to a free name.
func (r *Rule) MatchesCounterparty(name string) bool {
	return r.Field == FieldCounterparty && r.matchString(name)
}

// Reconciliation links one bank transaction to the journal entry it settles.
// Rows are never deleted; an undo stamps ReversedAt.
type Reconciliation struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID      int64           `gorm:"not null;index" json:"tenant_id"`
	TransactionID snowflake.ID    `gorm:"not null;index" json:"transaction_id"`
	EntryID       snowflake.ID    `gorm:"not null;index" json:"entry_id"`
	DocumentID    *snowflake.ID   `gorm:"index" json:"document_id,omitempty"`
	Type          Type            `gorm:"type:text;not null" json:"type"`
	Score         float64         `gorm:"not null;default:0" json:"score"`
	RuleID        *snowflake.ID   `json:"rule_id,omitempty"`
	Amount        decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	Note          string          `gorm:"type:text" json:"note,omitempty"`
	CreatedBy     string          `gorm:"type:text;not null" json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	ReversedAt    *time.Time      `json:"reversed_at,omitempty"`
	ReversedBy    string          `gorm:"type:text" json:"reversed_by,omitempty"`
}

func (Reconciliation) TableName() string { return "reconciliations" }

func (r Reconciliation) Active() bool {
	return r.ReversedAt == nil
}

func Models() []any {
	return []any{&Rule{}, &Reconciliation{}}
}
