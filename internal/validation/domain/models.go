package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/authctx"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	journaldomain "github.com/smallbiznis/autocompta/internal/journal/domain"
	"github.com/smallbiznis/autocompta/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type IssueType string

// Issue types in routing precedence order.
const (
	IssueLowConfidence    IssueType = "LOW_CONFIDENCE"
	IssueMissingInfo      IssueType = "MISSING_INFO"
	IssueDuplicateSuspect IssueType = "DUPLICATE_SUSPECT"
	IssueAmountMismatch   IssueType = "AMOUNT_MISMATCH"
	IssueAccountUnknown   IssueType = "ACCOUNT_UNKNOWN"
	IssueManualReview     IssueType = "MANUAL_REVIEW"
)

var issuePrecedence = []IssueType{
	IssueLowConfidence,
	IssueMissingInfo,
	IssueDuplicateSuspect,
	IssueAmountMismatch,
	IssueAccountUnknown,
	IssueManualReview,
}

func (t IssueType) Valid() bool {
	for _, it := range issuePrecedence {
		if it == t {
			return true
		}
	}
	return false
}

func (t IssueType) rank() int {
	for i, it := range issuePrecedence {
		if it == t {
			return i
		}
	}
	return len(issuePrecedence)
}

type ItemStatus string

const (
	ItemOpen     ItemStatus = "OPEN"
	ItemResolved ItemStatus = "RESOLVED"
)

type Resolution string

const (
	ResolutionValidated Resolution = "VALIDATED"
	ResolutionRejected  Resolution = "REJECTED"
)

var (
	ErrItemNotFound    = errors.New("queue_item_not_found")
	ErrConflict        = errors.New("conflict")
	ErrReasonRequired  = errors.New("reason_required")
	ErrEmptySelection  = errors.New("empty_selection")
	ErrTooManyItems    = errors.New("too_many_items")
	ErrInvalidIssue    = errors.New("invalid_issue_type")
	ErrInvalidLevel    = errors.New("invalid_confidence_level")
	ErrInvalidOverride = errors.New("invalid_override")
)

// QueueItem is the work unit of a human validator. There is one per document;
// a document sent back to the queue reopens its item.
type QueueItem struct {
	ID              snowflake.ID                `gorm:"primaryKey" json:"id"`
	TenantID        int64                       `gorm:"not null;uniqueIndex:ux_queue_items_document,priority:1;index:idx_queue_items_tenant_status,priority:1" json:"tenant_id"`
	DocumentID      snowflake.ID                `gorm:"not null;uniqueIndex:ux_queue_items_document,priority:2" json:"document_id"`
	IssueType       IssueType                   `gorm:"type:text;not null" json:"issue_type"`
	ConfidenceLevel docdomain.ConfidenceLevel   `gorm:"type:text;not null" json:"confidence_level"`
	ConfidenceScore float64                     `gorm:"not null;default:0" json:"confidence_score"`
	Reasons         datatypes.JSONSlice[string] `json:"reasons"`
	Status          ItemStatus                  `gorm:"type:text;not null;index:idx_queue_items_tenant_status,priority:2" json:"status"`
	Resolution      Resolution                  `gorm:"type:text" json:"resolution,omitempty"`
	ResolvedBy      string                      `gorm:"type:text" json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time                  `json:"resolved_at,omitempty"`
	Comment         string                      `gorm:"type:text" json:"comment,omitempty"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

func (QueueItem) TableName() string { return "validation_queue_items" }

// Decision is the outcome of routing an analyzed document.
type Decision struct {
	Auto      bool      `json:"auto"`
	IssueType IssueType `json:"issue_type,omitempty"`
	Reasons   []string  `json:"reasons,omitempty"`
}

// Flag records a fired check. The highest-precedence issue wins.
func (d *Decision) Flag(issue IssueType, reason string) {
	d.Auto = false
	d.Reasons = append(d.Reasons, reason)
	if d.IssueType == "" || issue.rank() < d.IssueType.rank() {
		d.IssueType = issue
	}
}

type RouteInput struct {
	Document       *docdomain.Document
	Classification *docdomain.AIClassification
}

type ListQueueRequest struct {
	pagination.Pagination
	ConfidenceLevel docdomain.ConfidenceLevel `form:"confidence_level"`
	IssueType       IssueType                 `form:"issue_type"`
	Status          ItemStatus                `form:"status"`
}

type QueueItemView struct {
	QueueItem
	Document *docdomain.Document `json:"document,omitempty"`
}

type ListQueueResponse struct {
	pagination.PageInfo
	Items []QueueItemView `json:"items"`
}

type ValidateRequest struct {
	IDs       []snowflake.ID          `json:"ids"`
	Comment   string                  `json:"comment"`
	Overrides journaldomain.Overrides `json:"overrides"`
}

type RejectRequest struct {
	IDs    []snowflake.ID `json:"ids"`
	Reason string         `json:"reason"`
}

// ItemOutcome reports the result of one item of a bulk action.
type ItemOutcome struct {
	ID         snowflake.ID  `json:"id"`
	DocumentID snowflake.ID  `json:"document_id,omitempty"`
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
	EntryID    *snowflake.ID `json:"entry_id,omitempty"`
	Err        error         `json:"-"`
}

type ListFilter struct {
	TenantID        int64
	Status          ItemStatus
	IssueType       IssueType
	ConfidenceLevel docdomain.ConfidenceLevel
}

type Repository interface {
	// Upsert opens the item of the document, reopening a resolved one.
	Upsert(ctx context.Context, db *gorm.DB, item *QueueItem) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) (*QueueItem, error)
	FindByDocument(ctx context.Context, db *gorm.DB, tenantID int64, documentID snowflake.ID) (*QueueItem, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter, page pagination.Pagination) ([]QueueItem, error)
	// Resolve closes an OPEN item. It returns ErrConflict when the item is no longer open.
	Resolve(ctx context.Context, db *gorm.DB, item *QueueItem, resolution Resolution, actor, comment string, at time.Time) error
}

// RuleAccountLookup tells which account an active reconciliation rule assigns to a counterparty.
type RuleAccountLookup interface {
	AccountForCounterparty(ctx context.Context, db *gorm.DB, tenantID int64, counterparty string) (string, bool, error)
}

type Router interface {
	Route(ctx context.Context, db *gorm.DB, in RouteInput) (Decision, error)
}

type Service interface {
	// Enqueue opens the queue item of doc for decision.
	Enqueue(ctx context.Context, db *gorm.DB, doc *docdomain.Document, cls *docdomain.AIClassification, decision Decision) (*QueueItem, error)
	List(ctx context.Context, actor authctx.Actor, req ListQueueRequest) (ListQueueResponse, error)
	Validate(ctx context.Context, actor authctx.Actor, req ValidateRequest) ([]ItemOutcome, error)
	Reject(ctx context.Context, actor authctx.Actor, req RejectRequest) ([]ItemOutcome, error)
}

func Models() []any {
	return []any{&QueueItem{}}
}
