package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type DocumentType string

const (
	TypeUnknown            DocumentType = ""
	TypeInvoiceReceived    DocumentType = "invoice_received"
	TypeInvoiceSent        DocumentType = "invoice_sent"
	TypeExpenseNote        DocumentType = "expense_note"
	TypeCreditNoteReceived DocumentType = "credit_note_received"
	TypeCreditNoteSent     DocumentType = "credit_note_sent"
	TypeQuote              DocumentType = "quote"
	TypePurchaseOrder      DocumentType = "purchase_order"
	TypeOther              DocumentType = "other"
)

func ParseDocumentType(raw string) (DocumentType, bool) {
	t := DocumentType(raw)
	switch t {
	case TypeInvoiceReceived, TypeInvoiceSent, TypeExpenseNote, TypeCreditNoteReceived,
		TypeCreditNoteSent, TypeQuote, TypePurchaseOrder, TypeOther:
		return t, true
	}
	return TypeUnknown, false
}

// Accountable reports whether the type produces a journal entry.
func (t DocumentType) Accountable() bool {
	switch t {
	case TypeInvoiceReceived, TypeInvoiceSent, TypeExpenseNote, TypeCreditNoteReceived, TypeCreditNoteSent:
		return true
	}
	return false
}

// Purchase reports the supplier side of the books.
func (t DocumentType) Purchase() bool {
	return t == TypeInvoiceReceived || t == TypeExpenseNote || t == TypeCreditNoteReceived
}

func (t DocumentType) CreditNote() bool {
	return t == TypeCreditNoteReceived || t == TypeCreditNoteSent
}

// Outgoing reports whether settling the document moves money out of the bank.
func (t DocumentType) Outgoing() bool {
	switch t {
	case TypeInvoiceReceived, TypeExpenseNote, TypeCreditNoteSent:
		return true
	}
	return false
}

type Source string

const (
	SourceEmail  Source = "email"
	SourceUpload Source = "upload"
	SourceAPI    Source = "api"
	SourceBank   Source = "bank"
	SourceScan   Source = "scan"
)

func (s Source) Valid() bool {
	switch s {
	case SourceEmail, SourceUpload, SourceAPI, SourceBank, SourceScan:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

type ConfidenceLevel string

const (
	ConfidenceHigh    ConfidenceLevel = "HIGH"
	ConfidenceMedium  ConfidenceLevel = "MEDIUM"
	ConfidenceLow     ConfidenceLevel = "LOW"
	ConfidenceVeryLow ConfidenceLevel = "VERY_LOW"
)

// Bucket maps a score in [0,1] onto the fixed confidence levels.
func Bucket(score float64) ConfidenceLevel {
	switch {
	case score >= 0.90:
		return ConfidenceHigh
	case score >= 0.70:
		return ConfidenceMedium
	case score >= 0.40:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}

func (l ConfidenceLevel) rank() int {
	switch l {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l is the same as or above min.
func (l ConfidenceLevel) AtLeast(min ConfidenceLevel) bool {
	return l.rank() >= min.rank()
}

type Document struct {
	ID               snowflake.ID                `gorm:"primaryKey" json:"id"`
	TenantID         int64                       `gorm:"not null;index:idx_documents_tenant_status,priority:1" json:"tenant_id"`
	LineageID        snowflake.ID                `gorm:"not null;index" json:"lineage_id"`
	ResubmittedFrom  *snowflake.ID               `json:"resubmitted_from,omitempty"`
	Type             DocumentType                `gorm:"column:document_type;type:text" json:"document_type"`
	Status           Status                      `gorm:"type:text;not null;index:idx_documents_tenant_status,priority:2" json:"status"`
	Source           Source                      `gorm:"type:text;not null" json:"source"`
	Filename         string                      `gorm:"type:text" json:"filename"`
	MimeType         string                      `gorm:"type:text;not null" json:"mime_type"`
	BlobKey          string                      `gorm:"type:text;not null" json:"-"`
	AmountExclTax    decimal.NullDecimal         `gorm:"type:numeric(18,2)" json:"amount_excl_tax"`
	TaxAmount        decimal.NullDecimal         `gorm:"type:numeric(18,2)" json:"tax_amount"`
	TotalAmount      decimal.NullDecimal         `gorm:"type:numeric(18,2)" json:"total_amount"`
	Currency         string                      `gorm:"type:text;not null;default:EUR" json:"currency"`
	DocumentDate     *time.Time                  `json:"document_date,omitempty"`
	DueDate          *time.Time                  `json:"due_date,omitempty"`
	InvoiceNumber    string                      `gorm:"type:text" json:"invoice_number,omitempty"`
	CounterpartyName string                      `gorm:"type:text" json:"counterparty_name,omitempty"`
	LinkedDocumentID *snowflake.ID               `json:"linked_document_id,omitempty"`
	PaymentStatus    PaymentStatus               `gorm:"type:text;not null;default:unpaid" json:"payment_status"`
	BookedAccount    string                      `gorm:"type:text" json:"booked_account,omitempty"`
	Notes            string                      `gorm:"type:text" json:"notes,omitempty"`
	Tags             datatypes.JSONSlice[string] `json:"tags,omitempty"`
	Version          int64                       `gorm:"not null;default:1" json:"version"`
	ErrorCode        string                      `gorm:"type:text" json:"error_code,omitempty"`
	ErrorDetail      string                      `gorm:"type:text" json:"error_detail,omitempty"`
	ExtractionRuns   int                         `gorm:"not null;default:0" json:"extraction_runs"`
	CreatedAt        time.Time                   `json:"created_at"`
	UpdatedAt        time.Time                   `json:"updated_at"`
}

func (Document) TableName() string { return "documents" }

// HasTag reports whether the document carries tag, case-insensitively.
func (d Document) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if equalFold(t, tag) {
			return true
		}
	}
	return false
}

// EffectiveDate is the accounting date of the document.
func (d Document) EffectiveDate() time.Time {
	if d.DocumentDate != nil {
		return *d.DocumentDate
	}
	return d.CreatedAt
}

type DocumentTransition struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID   int64        `gorm:"not null" json:"tenant_id"`
	DocumentID snowflake.ID `gorm:"not null;index" json:"document_id"`
	FromStatus Status       `gorm:"type:text;not null" json:"from"`
	ToStatus   Status       `gorm:"type:text;not null" json:"to"`
	Actor      string       `gorm:"type:text;not null" json:"actor"`
	Reason     string       `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

func (DocumentTransition) TableName() string { return "document_transitions" }

type ExtractedField struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// OCRResult is immutable once written. A re-extraction supersedes it.
type OCRResult struct {
	ID           snowflake.ID                        `gorm:"primaryKey" json:"id"`
	TenantID     int64                               `gorm:"not null" json:"tenant_id"`
	DocumentID   snowflake.ID                        `gorm:"not null;index" json:"document_id"`
	RawText      string                              `gorm:"type:text" json:"raw_text"`
	Fields       datatypes.JSONSlice[ExtractedField] `json:"fields"`
	Confidence   float64                             `gorm:"not null" json:"confidence"`
	PageCount    int                                 `gorm:"not null;default:1" json:"page_count"`
	Engine       string                              `gorm:"type:text;not null" json:"engine"`
	Metadata     datatypes.JSONMap                   `json:"metadata,omitempty"`
	CreatedAt    time.Time                           `json:"created_at"`
	SupersededAt *time.Time                          `json:"superseded_at,omitempty"`
}

func (OCRResult) TableName() string { return "ocr_results" }

// Field returns the extracted value of name.
func (o OCRResult) Field(name string) (ExtractedField, bool) {
	for _, f := range o.Fields {
		if equalFold(f.Name, name) {
			return f, true
		}
	}
	return ExtractedField{}, false
}

// AIClassification is immutable once written. Every suggestion may be absent.
type AIClassification struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID         int64           `gorm:"not null;index" json:"tenant_id"`
	DocumentID       snowflake.ID    `gorm:"not null;index" json:"document_id"`
	DocumentType     DocumentType    `gorm:"type:text" json:"document_type"`
	SuggestedVendor  Suggestion      `gorm:"type:text" json:"suggested_vendor"`
	SuggestedAccount Suggestion      `gorm:"type:text" json:"suggested_account"`
	SuggestedJournal Suggestion      `gorm:"type:text" json:"suggested_journal"`
	SuggestedTaxCode Suggestion      `gorm:"type:text" json:"suggested_tax_code"`
	ConfidenceScore  float64         `gorm:"not null" json:"confidence_score"`
	ConfidenceLevel  ConfidenceLevel `gorm:"type:text;not null" json:"confidence_level"`
	Reasoning        string          `gorm:"type:text" json:"reasoning"`
	Failed           bool            `gorm:"not null;default:false" json:"failed"`
	FailureReason    string          `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	SupersededAt     *time.Time      `json:"superseded_at,omitempty"`
}

func (AIClassification) TableName() string { return "ai_classifications" }

// Models lists the tables owned by this package, for migrations in tests.
func Models() []any {
	return []any{&Document{}, &DocumentTransition{}, &OCRResult{}, &AIClassification{}}
}
