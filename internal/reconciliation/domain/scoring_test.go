package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC)
}

func acmePayment() bankdomain.BankTransaction {
	return bankdomain.BankTransaction{
		ID:           10,
		Amount:       decimal.RequireFromString("-1200.00"),
		Currency:     "EUR",
		BookedAt:     day(3),
		Label:        "PRLV SEPA ACME SARL F-2025-001",
		Counterparty: "ACME SARL",
		Reference:    "F-2025-001",
	}
}

func acmeInvoice() docdomain.Document {
	date := day(1)
	return docdomain.Document{
		ID:               20,
		Type:             docdomain.TypeInvoiceReceived,
		Status:           docdomain.StatusAccounted,
		TotalAmount:      decimal.NewNullDecimal(decimal.RequireFromString("1200.00")),
		Currency:         "EUR",
		DocumentDate:     &date,
		InvoiceNumber:    "F-2025-001",
		CounterpartyName: "ACME SARL",
	}
}

func TestScoreExactMatch(t *testing.T) {
	b := Score(acmePayment(), acmeInvoice())
	assert.Equal(t, 50.0, b.Amount)
	assert.Equal(t, 25.0, b.Counterparty)
	assert.Equal(t, 10.0, b.Reference)
	assert.Equal(t, 2, b.DaysApart)
	assert.Equal(t, 99.0, b.Total)
}

func TestScoreRescalesWithoutInvoiceNumber(t *testing.T) {
	doc := acmeInvoice()
	doc.InvoiceNumber = ""
	b := Score(acmePayment(), doc)
	assert.Zero(t, b.Reference)
	assert.InDelta(t, 98.89, b.Total, 0.001)
}

func TestScoreAmountBands(t *testing.T) {
	tx := acmePayment()
	doc := acmeInvoice()

	doc.TotalAmount = decimal.NewNullDecimal(decimal.RequireFromString("1200.01"))
	assert.Equal(t, 50.0, Score(tx, doc).Amount)

	doc.TotalAmount = decimal.NewNullDecimal(decimal.RequireFromString("1180.00"))
	assert.Equal(t, 30.0, Score(tx, doc).Amount)

	doc.TotalAmount = decimal.NewNullDecimal(decimal.RequireFromString("1150.00"))
	assert.Equal(t, 15.0, Score(tx, doc).Amount)

	doc.TotalAmount = decimal.NewNullDecimal(decimal.RequireFromString("900.00"))
	assert.Zero(t, Score(tx, doc).Amount)
}

func TestScoreDateDecaysToZero(t *testing.T) {
	tx := acmePayment()
	tx.BookedAt = day(31)
	doc := acmeInvoice()
	assert.Zero(t, Score(tx, doc).Date)

	due := day(30)
	doc.DueDate = &due
	b := Score(tx, doc)
	assert.Equal(t, 1, b.DaysApart)
	assert.InDelta(t, 14.5, b.Date, 0.001)
}

func TestScoreIgnoresOppositeDirection(t *testing.T) {
	doc := acmeInvoice()
	doc.Type = docdomain.TypeInvoiceSent
	assert.Zero(t, Score(acmePayment(), doc).Total)

	doc = acmeInvoice()
	doc.TotalAmount = decimal.NullDecimal{}
	assert.Zero(t, Score(acmePayment(), doc).Total)
}

func TestRankIsDeterministic(t *testing.T) {
	a := acmeInvoice()
	a.ID = 31
	b := acmeInvoice()
	b.ID = 30
	far := acmeInvoice()
	far.ID = 5
	farDate := day(20)
	far.DocumentDate = &farDate

	ranked := Rank(acmePayment(), []docdomain.Document{a, far, b}, 70)
	require.Len(t, ranked, 3)
	assert.EqualValues(t, 30, ranked[0].DocumentID)
	assert.EqualValues(t, 31, ranked[1].DocumentID)
	assert.EqualValues(t, 5, ranked[2].DocumentID)

	assert.Len(t, Rank(acmePayment(), []docdomain.Document{far}, 95), 0)
}

func TestRulesEvaluateByPriorityThenID(t *testing.T) {
	tx := acmePayment()
	rules := []Rule{
		{ID: 3, Active: true, Priority: 1, Field: FieldLabel, MatchType: MatchContains, Value: "acme", Target: "low"},
		{ID: 2, Active: true, Priority: 5, Field: FieldCounterparty, MatchType: MatchExact, Value: "Acme", Target: "second"},
		{ID: 1, Active: true, Priority: 5, Field: FieldReference, MatchType: MatchRegex, Value: `^F-\d{4}-\d+$`, Target: "first"},
		{ID: 9, Active: false, Priority: 99, Field: FieldLabel, MatchType: MatchContains, Value: "sepa", Target: "inactive"},
	}
	SortRules(rules)
	rule, ok := FirstMatch(rules, tx)
	require.True(t, ok)
	assert.Equal(t, "first", rule.Target)

	rules[1].Active = false
	rule, ok = FirstMatch(rules, tx)
	require.True(t, ok)
	assert.Equal(t, "second", rule.Target)
}

func TestRuleCompileRejectsBadRegex(t *testing.T) {
	r := Rule{MatchType: MatchRegex, Value: "(unclosed"}
	assert.Error(t, r.Compile())

	r = Rule{MatchType: MatchContains, Value: "(unclosed"}
	assert.NoError(t, r.Compile())
}

func TestPaymentStatus(t *testing.T) {
	total := decimal.RequireFromString("1200.00")
	assert.Equal(t, docdomain.PaymentUnpaid, PaymentStatus(total, decimal.Zero))
	assert.Equal(t, docdomain.PaymentPartial, PaymentStatus(total, decimal.RequireFromString("600")))
	assert.Equal(t, docdomain.PaymentPaid, PaymentStatus(total, decimal.RequireFromString("1199.99")))
}
