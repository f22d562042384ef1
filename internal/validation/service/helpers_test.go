package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/autocompta/internal/audit/domain"
	auditrepo "github.com/smallbiznis/autocompta/internal/audit/repository"
	auditservice "github.com/smallbiznis/autocompta/internal/audit/service"
	"github.com/smallbiznis/autocompta/internal/chart"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/config"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	docrepo "github.com/smallbiznis/autocompta/internal/document/repository"
	journaldomain "github.com/smallbiznis/autocompta/internal/journal/domain"
	journalservice "github.com/smallbiznis/autocompta/internal/journal/service"
	"github.com/smallbiznis/autocompta/internal/notify"
	"github.com/smallbiznis/autocompta/internal/testutil"
	"github.com/smallbiznis/autocompta/internal/validation/domain"
	"github.com/smallbiznis/autocompta/internal/validation/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db       *gorm.DB
	node     *snowflake.Node
	docs     docdomain.Repository
	svc      domain.Service
	events   *notify.Recorder
	chart    *chart.Chart
	holder   *config.AutomationConfigHolder
	tenantID int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	models := append([]any{}, docdomain.Models()...)
	models = append(models, journaldomain.Models()...)
	models = append(models, domain.Models()...)
	models = append(models, &auditdomain.AuditLog{})
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)
	log := zap.NewNop()
	c := chart.Default()

	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Repo: auditrepo.Provide()})
	journal := journalservice.NewService(journalservice.Params{DB: db, Log: log, GenID: node, Chart: c, AuditSvc: audit})
	clk := clock.NewFakeClock(time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC))
	docs := docrepo.Provide(node, clk)
	events := &notify.Recorder{}

	svc := NewService(Params{
		DB:        db,
		Log:       log,
		Repo:      repository.Provide(node),
		Docs:      docs,
		Journal:   journal,
		Clock:     clk,
		AuditSvc:  audit,
		Publisher: events,
	})
	return &testEnv{
		db:       db,
		node:     node,
		docs:     docs,
		svc:      svc,
		events:   events,
		chart:    c,
		holder:   config.NewStaticAutomationConfigHolder(config.DefaultAutomationConfig()),
		tenantID: 1,
	}
}

type docOption func(*docdomain.Document)

func withTotal(total, tax string) docOption {
	return func(d *docdomain.Document) {
		d.TotalAmount = decimal.NewNullDecimal(decimal.RequireFromString(total))
		if tax != "" {
			d.TaxAmount = decimal.NewNullDecimal(decimal.RequireFromString(tax))
		}
	}
}

func withoutTotal() docOption {
	return func(d *docdomain.Document) {
		d.TotalAmount = decimal.NullDecimal{}
		d.TaxAmount = decimal.NullDecimal{}
	}
}

func withStatus(s docdomain.Status) docOption {
	return func(d *docdomain.Document) { d.Status = s }
}

func withCounterparty(name, number string) docOption {
	return func(d *docdomain.Document) {
		d.CounterpartyName = name
		d.InvoiceNumber = number
	}
}

func (e *testEnv) newDocument(t *testing.T, opts ...docOption) *docdomain.Document {
	t.Helper()
	id := e.node.Generate()
	date := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	doc := &docdomain.Document{
		ID:               id,
		TenantID:         e.tenantID,
		LineageID:        id,
		Type:             docdomain.TypeInvoiceReceived,
		Status:           docdomain.StatusPendingValidation,
		Source:           docdomain.SourceUpload,
		MimeType:         "application/pdf",
		BlobKey:          "documents/1/" + id.String(),
		TotalAmount:      decimal.NewNullDecimal(decimal.RequireFromString("1200.00")),
		TaxAmount:        decimal.NewNullDecimal(decimal.RequireFromString("200.00")),
		Currency:         "EUR",
		DocumentDate:     &date,
		CounterpartyName: "Supplier " + id.String(),
		InvoiceNumber:    "F-" + id.String(),
		PaymentStatus:    docdomain.PaymentUnpaid,
		Version:          1,
		CreatedAt:        time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(doc)
	}
	require.NoError(t, e.db.Create(doc).Error)
	return doc
}

func (e *testEnv) queued(t *testing.T, opts ...docOption) (*domain.QueueItem, *docdomain.Document) {
	t.Helper()
	doc := e.newDocument(t, opts...)
	item, err := e.svc.Enqueue(context.Background(), e.db, doc, nil, domain.Decision{
		IssueType: domain.IssueLowConfidence,
		Reasons:   []string{"confidence LOW below HIGH"},
	})
	require.NoError(t, err)
	return item, doc
}

func highConfidence(doc *docdomain.Document, account string) *docdomain.AIClassification {
	return &docdomain.AIClassification{
		TenantID:         doc.TenantID,
		DocumentID:       doc.ID,
		DocumentType:     doc.Type,
		SuggestedVendor:  docdomain.Suggest(doc.CounterpartyName),
		SuggestedAccount: docdomain.Suggest(account),
		SuggestedJournal: docdomain.Suggest("HA"),
		SuggestedTaxCode: docdomain.Suggest("TVA20"),
		ConfidenceScore:  0.95,
		ConfidenceLevel:  docdomain.ConfidenceHigh,
	}
}
