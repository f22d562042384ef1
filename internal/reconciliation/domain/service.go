package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/autocompta/internal/authctx"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	"gorm.io/gorm"
)

var (
	ErrRuleNotFound            = errors.New("reconciliation_rule_not_found")
	ErrInvalidRule             = errors.New("invalid_reconciliation_rule")
	ErrInvalidRegex            = errors.New("invalid_rule_regex")
	ErrInvalidRuleTarget       = errors.New("invalid_rule_target")
	ErrReconciliationConflict  = errors.New("reconciliation_conflict")
	ErrReconciliationNotFound  = errors.New("reconciliation_not_found")
	ErrDocumentNotReconcilable = errors.New("document_not_reconcilable")
	ErrCurrencyMismatch        = errors.New("currency_mismatch")
)

type CreateRuleRequest struct {
	Name      string     `json:"name"`
	Field     RuleField  `json:"field"`
	MatchType MatchType  `json:"match_type"`
	Value     string     `json:"value"`
	Action    RuleAction `json:"action"`
	Target    string     `json:"target"`
	Priority  int        `json:"priority"`
}

type ListUnreconciledRequest struct {
	// HasSuggestions keeps only transactions with (true) or without (false)
	// candidates. Nil keeps both.
	HasSuggestions *bool      `form:"has_suggestions"`
	From           *time.Time `form:"from" time_format:"2006-01-02"`
	To             *time.Time `form:"to" time_format:"2006-01-02"`
	Limit          int        `form:"limit"`
}

type UnreconciledItem struct {
	Transaction bankdomain.BankTransaction `json:"transaction"`
	Candidates  []Candidate                `json:"candidates"`
}

type ReconcileRequest struct {
	TransactionID snowflake.ID `json:"transaction_id,string"`
	DocumentID    snowflake.ID `json:"document_id,string"`
	Note          string       `json:"note"`
}

// RunSummary counts the outcome of one auto-reconciliation pass.
type RunSummary struct {
	Scanned   int `json:"scanned"`
	Auto      int `json:"auto"`
	Rule      int `json:"rule"`
	Suggested int `json:"suggested"`
	Conflicts int `json:"conflicts"`
	Frozen    int `json:"frozen"`
	Errors    int `json:"errors"`
}

type Repository interface {
	CreateRule(ctx context.Context, db *gorm.DB, rule *Rule) error
	FindRule(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) (*Rule, error)
	// ListRules returns rules in evaluation order.
	ListRules(ctx context.Context, db *gorm.DB, tenantID int64, activeOnly bool) ([]Rule, error)
	DeleteRule(ctx context.Context, db *gorm.DB, rule *Rule) error
	SetRuleActive(ctx context.Context, db *gorm.DB, rule *Rule, active bool) error
	IncrementMatches(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) error

	Insert(ctx context.Context, db *gorm.DB, rec *Reconciliation) error
	ActiveForTransaction(ctx context.Context, db *gorm.DB, tenantID int64, transactionID snowflake.ID) (*Reconciliation, error)
	// SettledAmount sums the active reconciliations of a document.
	SettledAmount(ctx context.Context, db *gorm.DB, tenantID int64, documentID snowflake.ID) (decimal.Decimal, error)
	Reverse(ctx context.Context, db *gorm.DB, rec *Reconciliation, by string, at time.Time) error
	History(ctx context.Context, db *gorm.DB, tenantID int64, transactionID snowflake.ID) ([]Reconciliation, error)
	// OpenDocuments returns booked documents not fully paid yet.
	OpenDocuments(ctx context.Context, db *gorm.DB, tenantID int64) ([]docdomain.Document, error)
}

type Service interface {
	CreateRule(ctx context.Context, actor authctx.Actor, req CreateRuleRequest) (*Rule, error)
	DeleteRule(ctx context.Context, actor authctx.Actor, id snowflake.ID) error
	ListRules(ctx context.Context, actor authctx.Actor) ([]Rule, error)
	SetRuleActive(ctx context.Context, actor authctx.Actor, id snowflake.ID, active bool) (*Rule, error)

	RunAuto(ctx context.Context, actor authctx.Actor) (RunSummary, error)
	ListUnreconciled(ctx context.Context, actor authctx.Actor, req ListUnreconciledRequest) ([]UnreconciledItem, error)
	Reconcile(ctx context.Context, actor authctx.Actor, req ReconcileRequest) (*Reconciliation, error)
	Unreconcile(ctx context.Context, actor authctx.Actor, transactionID snowflake.ID) (*Reconciliation, error)
	History(ctx context.Context, actor authctx.Actor, transactionID snowflake.ID) ([]Reconciliation, error)
}
