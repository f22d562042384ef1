package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrNotFound               = errors.New("document_not_found")
	ErrInvalidTransition      = errors.New("invalid_transition")
	ErrInvalidStatus          = errors.New("invalid_status")
	ErrConcurrentModification = errors.New("concurrent_modification")
	ErrEmptyContent           = errors.New("empty_content")
	ErrInvalidSource          = errors.New("invalid_source")
	ErrInvalidDocumentType    = errors.New("invalid_document_type")
	ErrInvalidMimeType        = errors.New("invalid_mime_type")
	ErrNotResubmittable       = errors.New("document_not_resubmittable")
	ErrInvalidLinkedDocument  = errors.New("invalid_linked_document")
)

type SubmitRequest struct {
	Filename string
	MimeType string
	Content  []byte
	Source   Source

	// Metadata supplied by the submitter; extraction only fills what is missing.
	DocumentType     DocumentType
	InvoiceNumber    string
	CounterpartyName string
	TotalAmount      *decimal.Decimal
	DocumentDate     *time.Time
	LinkedDocumentID *snowflake.ID
	Notes            string
	Tags             []string
}

type ListRequest struct {
	pagination.Pagination
	Status Status       `form:"status"`
	Type   DocumentType `form:"document_type"`
	From   *time.Time   `form:"from" time_format:"2006-01-02"`
	To     *time.Time   `form:"to" time_format:"2006-01-02"`
}

type ListResponse struct {
	pagination.PageInfo
	Documents []Document `json:"documents"`
}

type DocumentView struct {
	Document
	OCR            *OCRResult        `json:"ocr,omitempty"`
	Classification *AIClassification `json:"classification,omitempty"`
	EntryID        *snowflake.ID     `json:"entry_id,omitempty"`
}

type ListFilter struct {
	TenantID int64
	Status   Status
	Type     DocumentType
	From     *time.Time
	To       *time.Time
}

// TransitionUpdate carries the columns written together with a status move.
type TransitionUpdate struct {
	To      Status
	Actor   string
	Reason  string
	Columns map[string]any
}

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, doc *Document) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) (*Document, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter, page pagination.Pagination) ([]Document, error)
	// Transition moves doc to upd.To if the move is declared and doc.Version is
	// still current, then records the history row and refreshes doc.
	Transition(ctx context.Context, db *gorm.DB, doc *Document, upd TransitionUpdate) error
	History(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) ([]DocumentTransition, error)
	// RecordExtractionRun counts one extraction run against doc without
	// changing its status. doc.Version must still be current.
	RecordExtractionRun(ctx context.Context, db *gorm.DB, doc *Document) error
	InsertOCR(ctx context.Context, db *gorm.DB, ocr *OCRResult) error
	LiveOCR(ctx context.Context, db *gorm.DB, tenantID int64, documentID snowflake.ID) (*OCRResult, error)
	InsertClassification(ctx context.Context, db *gorm.DB, c *AIClassification) error
	LiveClassification(ctx context.Context, db *gorm.DB, tenantID int64, documentID snowflake.ID) (*AIClassification, error)
	// PriorClassifications returns live classifications of the tenant's booked documents, newest first.
	PriorClassifications(ctx context.Context, db *gorm.DB, tenantID int64, limit int) ([]PriorClassification, error)
	FindPossibleDuplicates(ctx context.Context, db *gorm.DB, doc *Document) ([]Document, error)
	SetPaymentStatus(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID, status PaymentStatus) error
	// CountDated counts documents in statuses whose effective date falls in [from, to).
	CountDated(ctx context.Context, db *gorm.DB, tenantID int64, statuses []Status, from, to time.Time) (int64, error)
	ListDated(ctx context.Context, db *gorm.DB, tenantID int64, statuses []Status, from, to time.Time, limit int) ([]Document, error)
	// ListStale returns documents of every tenant left in statuses since before.
	ListStale(ctx context.Context, db *gorm.DB, statuses []Status, before time.Time, limit int) ([]Document, error)
}

// PriorClassification pairs a booked document with the account it ended up on.
type PriorClassification struct {
	DocumentID       snowflake.ID
	CounterpartyName string
	Account          string
	Text             string
}

// EntryLocator finds the journal entry generated for a document.
type EntryLocator interface {
	EntryIDForDocument(ctx context.Context, tenantID int64, documentID snowflake.ID) (*snowflake.ID, error)
}

// Dispatcher hands a received document to the asynchronous pipeline.
type Dispatcher interface {
	Dispatch(tenantID int64, documentID snowflake.ID)
}

type Service interface {
	Submit(ctx context.Context, actor authctx.Actor, req SubmitRequest) (*Document, error)
	Get(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*DocumentView, error)
	List(ctx context.Context, actor authctx.Actor, req ListRequest) (ListResponse, error)
	History(ctx context.Context, actor authctx.Actor, id snowflake.ID) ([]DocumentTransition, error)
	Resubmit(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*Document, error)
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
