package classification

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/autocompta/internal/chart"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/internal/document/repository"
	"github.com/smallbiznis/autocompta/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fixture struct {
	db   *gorm.DB
	node *snowflake.Node
	cls  *Classifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.NewTestDB(t, domain.Models()...)
	node := testutil.NewNode(t)
	cls := NewClassifier(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Chart: chart.Default(),
		Repo:  repository.Provide(node, clock.SystemClock{}),
	})
	return fixture{db: db, node: node, cls: cls}
}

func (f fixture) bookedPrior(t *testing.T, counterparty, account, text string) {
	t.Helper()
	id := f.node.Generate()
	require.NoError(t, f.db.Create(&domain.Document{
		ID: id, TenantID: 1, LineageID: id, Status: domain.StatusPosted, Source: domain.SourceUpload,
		MimeType: "text/plain", BlobKey: "k", Currency: "EUR", PaymentStatus: domain.PaymentUnpaid,
		CounterpartyName: counterparty, BookedAccount: account, Version: 1,
	}).Error)
	require.NoError(t, f.db.Create(&domain.OCRResult{
		ID: f.node.Generate(), TenantID: 1, DocumentID: id, RawText: text, Engine: "keyvalue", Confidence: 1,
	}).Error)
}

func invoice(vendor string) *domain.Document {
	date := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	return &domain.Document{
		ID:               99,
		TenantID:         1,
		Type:             domain.TypeInvoiceReceived,
		CounterpartyName: vendor,
		AmountExclTax:    decimal.NewNullDecimal(decimal.RequireFromString("1000.00")),
		TaxAmount:        decimal.NewNullDecimal(decimal.RequireFromString("200.00")),
		TotalAmount:      decimal.NewNullDecimal(decimal.RequireFromString("1200.00")),
		DocumentDate:     &date,
		Currency:         "EUR",
	}
}

func ocr(text string, confidence float64, fields ...domain.ExtractedField) *domain.OCRResult {
	return &domain.OCRResult{RawText: text, Confidence: confidence, Fields: datatypes.JSONSlice[domain.ExtractedField](fields)}
}

func TestClassifyUsesCounterpartyHistory(t *testing.T) {
	f := newFixture(t)
	f.bookedPrior(t, "ACME SARL", "604000", "prestation acme")
	f.bookedPrior(t, "Acme", "604000", "prestation acme mars")

	got, err := f.cls.Classify(context.Background(), nil, invoice("ACME S.A.R.L."), ocr("facture prestation", 0.98))
	require.NoError(t, err)

	account, ok := got.SuggestedAccount.Get()
	require.True(t, ok)
	assert.Equal(t, "604000", account)
	journal, _ := got.SuggestedJournal.Get()
	assert.Equal(t, "HA", journal)
	taxCode, _ := got.SuggestedTaxCode.Get()
	assert.Equal(t, "TVA20", taxCode)
	assert.Equal(t, domain.ConfidenceHigh, got.ConfidenceLevel)
	assert.InDelta(t, 0.98*0.98, got.ConfidenceScore, 1e-4)
}

func TestClassifyFallsBackToChartKeywords(t *testing.T) {
	f := newFixture(t)

	got, err := f.cls.Classify(context.Background(), nil, invoice("EDF"), ocr("facture electricite", 0.95))
	require.NoError(t, err)

	account, ok := got.SuggestedAccount.Get()
	require.True(t, ok)
	assert.Equal(t, "606100", account)
	assert.Equal(t, domain.ConfidenceMedium, got.ConfidenceLevel)
}

func TestClassifyLearnsFromHistory(t *testing.T) {
	f := newFixture(t)
	f.bookedPrior(t, "Studio Graphique", "623000", "creation logo charte graphique")
	f.bookedPrior(t, "Cabinet Martin", "622600", "mission audit annuel")
	f.bookedPrior(t, "Atelier Design", "623000", "maquette charte graphique")

	got, err := f.cls.Classify(context.Background(), nil, invoice("Pixel Studio"), ocr("nouvelle charte graphique et logo", 0.95))
	require.NoError(t, err)

	account, ok := got.SuggestedAccount.Get()
	require.True(t, ok)
	assert.Equal(t, "623000", account)
}

func TestClassifyPenalisesMissingFields(t *testing.T) {
	f := newFixture(t)
	doc := &domain.Document{ID: 1, TenantID: 1, Currency: "EUR"}

	got, err := f.cls.Classify(context.Background(), nil, doc, ocr("devis travaux", 0.9))
	require.NoError(t, err)
	assert.Equal(t, domain.TypeQuote, got.DocumentType)
	assert.Equal(t, domain.NoSuggestion(), got.SuggestedAccount)
	assert.Equal(t, domain.ConfidenceLow, got.ConfidenceLevel)
}

func TestClassifyWithoutOCRIsDocumentedFailure(t *testing.T) {
	f := newFixture(t)

	got, err := f.cls.Classify(context.Background(), nil, invoice("ACME"), nil)
	_, ok := AsClassificationError(err)
	require.True(t, ok)
	require.NotNil(t, got)
	assert.True(t, got.Failed)
	assert.Equal(t, domain.ConfidenceVeryLow, got.ConfidenceLevel)
	assert.Equal(t, domain.NoSuggestion(), got.SuggestedAccount)
}

func TestDetectTypePrefersExtractedField(t *testing.T) {
	doc := &domain.Document{Type: domain.TypeInvoiceReceived}
	got, certainty, _ := detectType(doc, ocr("avoir", 1, domain.ExtractedField{Name: "document_type", Value: "avoir_client"}))
	assert.Equal(t, domain.TypeCreditNoteSent, got)
	assert.Equal(t, 1.0, certainty)

	got, _, _ = detectType(&domain.Document{}, ocr("AVOIR n° 12 sur facture 44", 1))
	assert.Equal(t, domain.TypeCreditNoteReceived, got)
}
