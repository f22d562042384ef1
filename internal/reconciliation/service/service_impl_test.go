package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/autocompta/internal/audit/domain"
	auditrepo "github.com/smallbiznis/autocompta/internal/audit/repository"
	auditservice "github.com/smallbiznis/autocompta/internal/audit/service"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	bankrepo "github.com/smallbiznis/autocompta/internal/banksync/repository"
	"github.com/smallbiznis/autocompta/internal/chart"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/config"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	docrepo "github.com/smallbiznis/autocompta/internal/document/repository"
	journaldomain "github.com/smallbiznis/autocompta/internal/journal/domain"
	journalservice "github.com/smallbiznis/autocompta/internal/journal/service"
	"github.com/smallbiznis/autocompta/internal/notify"
	perioddomain "github.com/smallbiznis/autocompta/internal/period/domain"
	"github.com/smallbiznis/autocompta/internal/reconciliation/domain"
	"github.com/smallbiznis/autocompta/internal/reconciliation/repository"
	"github.com/smallbiznis/autocompta/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// frozenBefore refuses writes dated before a cutoff.
type frozenBefore struct {
	cutoff time.Time
}

func (g frozenBefore) EnsureWritable(_ context.Context, _ *gorm.DB, _ int64, date time.Time) error {
	if date.Before(g.cutoff) {
		return perioddomain.ErrPeriodFrozen
	}
	return nil
}

type testEnv struct {
	db      *gorm.DB
	node    *snowflake.Node
	svc     domain.Service
	repo    domain.Repository
	bank    bankdomain.Repository
	docs    docdomain.Repository
	journal journaldomain.Service
	events  *notify.Recorder
}

func newTestEnv(t *testing.T, guard perioddomain.Guard) *testEnv {
	t.Helper()
	models := append([]any{}, domain.Models()...)
	models = append(models, bankdomain.Models()...)
	models = append(models, docdomain.Models()...)
	models = append(models, journaldomain.Models()...)
	models = append(models, &auditdomain.AuditLog{})
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)
	log := zap.NewNop()
	c := chart.Default()

	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Repo: auditrepo.Provide()})
	journal := journalservice.NewService(journalservice.Params{DB: db, Log: log, GenID: node, Chart: c, AuditSvc: audit})
	repo := repository.Provide()
	clk := clock.NewFakeClock(time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC))
	bank := bankrepo.Provide(clk)
	docs := docrepo.Provide(node, clk)
	events := &notify.Recorder{}

	svc := NewService(Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Repo:       repo,
		Bank:       bank,
		Docs:       docs,
		Journal:    journal,
		Chart:      c,
		Automation: config.NewStaticAutomationConfigHolder(config.DefaultAutomationConfig()),
		Clock:      clk,
		Guard:      guard,
		AuditSvc:   audit,
		Publisher:  events,
	})
	return &testEnv{
		db:      db,
		node:    node,
		svc:     svc,
		repo:    repo,
		bank:    bank,
		docs:    docs,
		journal: journal,
		events:  events,
	}
}

// bookedInvoice stores an ACCOUNTED purchase invoice with its posted entry.
func (e *testEnv) bookedInvoice(t *testing.T, counterparty, number, total string, date time.Time) *docdomain.Document {
	t.Helper()
	ctx := context.Background()
	id := e.node.Generate()
	doc := &docdomain.Document{
		ID:               id,
		TenantID:         1,
		LineageID:        id,
		Type:             docdomain.TypeInvoiceReceived,
		Status:           docdomain.StatusValidated,
		Source:           docdomain.SourceUpload,
		MimeType:         "application/pdf",
		BlobKey:          "tenants/1/" + id.String(),
		TotalAmount:      decimal.NewNullDecimal(decimal.RequireFromString(total)),
		Currency:         "EUR",
		DocumentDate:     &date,
		InvoiceNumber:    number,
		CounterpartyName: counterparty,
		PaymentStatus:    docdomain.PaymentUnpaid,
		Version:          1,
		CreatedAt:        date,
	}
	entry, err := e.journal.GenerateForDocument(ctx, e.db, testutil.Accountant(1), doc, nil, journaldomain.Overrides{})
	require.NoError(t, err)
	require.NoError(t, e.journal.Post(ctx, e.db, testutil.Accountant(1), entry))

	doc.Status = docdomain.StatusAccounted
	require.NoError(t, e.docs.Create(ctx, e.db, doc))
	return doc
}

func (e *testEnv) bankTransaction(t *testing.T, providerID, amount, counterparty, reference string, booked time.Time) *bankdomain.BankTransaction {
	t.Helper()
	tx := &bankdomain.BankTransaction{
		ID:                    e.node.Generate(),
		TenantID:              1,
		ConnectionID:          1,
		AccountID:             1,
		ProviderTransactionID: providerID,
		BookedAt:              booked,
		Amount:                decimal.RequireFromString(amount),
		Currency:              "EUR",
		Label:                 "PRLV " + counterparty + " " + reference,
		Counterparty:          counterparty,
		Reference:             reference,
		Version:               1,
		CreatedAt:             booked,
	}
	inserted, err := e.bank.InsertTransaction(context.Background(), e.db, tx)
	require.NoError(t, err)
	require.True(t, inserted)
	return tx
}

func date(d int) time.Time {
	return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestRunAutoReconcilesConfidentMatch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	actor := testutil.Accountant(1)

	invoice := env.bookedInvoice(t, "ACME SARL", "F-2025-001", "1200.00", date(1))
	payment := env.bankTransaction(t, "demo-0001", "-1200.00", "ACME SARL", "F-2025-001", date(3))
	env.bankTransaction(t, "demo-0002", "-89.90", "Orange", "", date(5))

	summary, err := env.svc.RunAuto(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 1, summary.Auto)
	assert.Zero(t, summary.Suggested)

	rec, err := env.repo.ActiveForTransaction(ctx, env.db, 1, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeAuto, rec.Type)
	assert.GreaterOrEqual(t, rec.Score, 90.0)
	require.NotNil(t, rec.DocumentID)
	assert.Equal(t, invoice.ID, *rec.DocumentID)

	stored, err := env.bank.FindTransaction(ctx, env.db, 1, payment.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EntryID)
	assert.Equal(t, rec.EntryID, *stored.EntryID)

	doc, err := env.docs.FindByID(ctx, env.db, 1, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, docdomain.PaymentPaid, doc.PaymentStatus)
	assert.Equal(t, []string{notify.TypeReconciliationMatch}, env.events.Types())

	again, err := env.svc.RunAuto(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Scanned)
	assert.Zero(t, again.Auto)
}

func TestRunAutoSuggestsBelowThreshold(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// 2% short and six days apart: worth a suggestion, not a booking
	invoice := env.bookedInvoice(t, "Dupont Conseil", "", "5000.00", date(1))
	tx := env.bankTransaction(t, "demo-0003", "-4900.00", "Dupont Conseil", "", date(7))

	summary, err := env.svc.RunAuto(ctx, testutil.Accountant(1))
	require.NoError(t, err)
	assert.Zero(t, summary.Auto)
	assert.Equal(t, 1, summary.Suggested)

	items, err := env.svc.ListUnreconciled(ctx, testutil.Viewer(1), domain.ListUnreconciledRequest{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, tx.ID, items[0].Transaction.ID)
	require.Len(t, items[0].Candidates, 1)
	assert.Equal(t, invoice.ID, items[0].Candidates[0].DocumentID)
	assert.InDelta(t, 74.44, items[0].Candidates[0].Score.Total, 0.001)

	withoutSuggestions := false
	items, err = env.svc.ListUnreconciled(ctx, testutil.Viewer(1), domain.ListUnreconciledRequest{HasSuggestions: &withoutSuggestions})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRulesRunBeforeScoring(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	actor := testutil.Accountant(1)

	env.bookedInvoice(t, "Banque Demo", "", "12.50", date(10))
	fee := env.bankTransaction(t, "demo-0004", "-12.50", "Banque Demo", "", date(10))

	low, err := env.svc.CreateRule(ctx, actor, domain.CreateRuleRequest{
		Field: domain.FieldLabel, MatchType: domain.MatchContains, Value: "banque demo",
		Action: domain.ActionAssignAccount, Target: "626000", Priority: 1,
	})
	require.NoError(t, err)
	high, err := env.svc.CreateRule(ctx, actor, domain.CreateRuleRequest{
		Field: domain.FieldCounterparty, MatchType: domain.MatchRegex, Value: `^banque\s+d`,
		Action: domain.ActionAssignAccount, Target: "627000", Priority: 10,
	})
	require.NoError(t, err)

	summary, err := env.svc.RunAuto(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rule)
	assert.Zero(t, summary.Auto)

	rec, err := env.repo.ActiveForTransaction(ctx, env.db, 1, fee.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeRule, rec.Type)
	require.NotNil(t, rec.RuleID)
	assert.Equal(t, high.ID, *rec.RuleID)
	assert.Nil(t, rec.DocumentID)

	var entry journaldomain.AutoEntry
	require.NoError(t, env.db.Where("id = ?", rec.EntryID).Take(&entry).Error)
	assert.Equal(t, "627000", entry.MainAccount)
	assert.Equal(t, journaldomain.SourceTypeBankRule, entry.SourceType)

	rules, err := env.svc.ListRules(ctx, actor)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, high.ID, rules[0].ID)
	assert.EqualValues(t, 1, rules[0].MatchesCount)
	assert.Equal(t, low.ID, rules[1].ID)
	assert.Zero(t, rules[1].MatchesCount)
}

func TestCreateRuleValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	actor := testutil.Accountant(1)

	_, err := env.svc.CreateRule(ctx, actor, domain.CreateRuleRequest{
		Field: domain.FieldLabel, MatchType: domain.MatchRegex, Value: "(OVH",
		Action: domain.ActionAssignAccount, Target: "626000",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRegex)

	_, err = env.svc.CreateRule(ctx, actor, domain.CreateRuleRequest{
		Field: domain.FieldLabel, MatchType: domain.MatchContains, Value: "OVH",
		Action: domain.ActionAssignAccount, Target: "999999",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRuleTarget)

	_, err = env.svc.CreateRule(ctx, actor, domain.CreateRuleRequest{
		Field: "amount", MatchType: domain.MatchContains, Value: "OVH",
		Action: domain.ActionAssignAccount, Target: "626000",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	rule, err := env.svc.CreateRule(ctx, actor, domain.CreateRuleRequest{
		Field: domain.FieldLabel, MatchType: domain.MatchContains, Value: "OVH",
		Action: domain.ActionAssignJournal, Target: "BQ",
	})
	require.NoError(t, err)
	rule, err = env.svc.SetRuleActive(ctx, actor, rule.ID, false)
	require.NoError(t, err)
	assert.False(t, rule.Active)
	require.NoError(t, env.svc.DeleteRule(ctx, actor, rule.ID))
	assert.ErrorIs(t, env.svc.DeleteRule(ctx, actor, rule.ID), domain.ErrRuleNotFound)
}

func TestConcurrentReconcileSettlesOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	actor := testutil.Accountant(1)

	first := env.bookedInvoice(t, "Martin SAS", "2025-016", "2400.00", date(18))
	second := env.bookedInvoice(t, "Martin SAS", "2025-017", "2400.00", date(19))
	tx := env.bankTransaction(t, "demo-0008", "-2400.00", "Martin SAS", "2025-016", date(20))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for _, doc := range []*docdomain.Document{first, second} {
		wg.Add(1)
		go func(docID snowflake.ID) {
			defer wg.Done()
			_, err := env.svc.Reconcile(ctx, actor, domain.ReconcileRequest{TransactionID: tx.ID, DocumentID: docID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, domain.ErrReconciliationConflict):
				conflicts++
			}
		}(doc.ID)
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	history, err := env.svc.History(ctx, actor, tx.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestUnreconcileKeepsHistoryAndResetsPayment(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	actor := testutil.Accountant(1)

	invoice := env.bookedInvoice(t, "SCI Les Tilleuls", "LOYER-03", "3000.00", date(1))
	half := env.bankTransaction(t, "demo-0006", "-1500.00", "SCI Les Tilleuls", "LOYER-03", date(14))

	rec, err := env.svc.Reconcile(ctx, actor, domain.ReconcileRequest{TransactionID: half.ID, DocumentID: invoice.ID, Note: " first half "})
	require.NoError(t, err)
	assert.Equal(t, domain.TypeManual, rec.Type)
	assert.Equal(t, "first half", rec.Note)

	doc, err := env.docs.FindByID(ctx, env.db, 1, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, docdomain.PaymentPartial, doc.PaymentStatus)

	reversed, err := env.svc.Unreconcile(ctx, actor, half.ID)
	require.NoError(t, err)
	assert.NotNil(t, reversed.ReversedAt)
	assert.Equal(t, "user:accountant", reversed.ReversedBy)

	doc, err = env.docs.FindByID(ctx, env.db, 1, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, docdomain.PaymentUnpaid, doc.PaymentStatus)

	_, err = env.svc.Unreconcile(ctx, actor, half.ID)
	assert.ErrorIs(t, err, bankdomain.ErrNotReconciled)

	again, err := env.svc.Reconcile(ctx, actor, domain.ReconcileRequest{TransactionID: half.ID, DocumentID: invoice.ID})
	require.NoError(t, err)
	history, err := env.svc.History(ctx, actor, half.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].Active())
	assert.Equal(t, again.ID, history[1].ID)
}

func TestFrozenPeriodBlocksReconciliation(t *testing.T) {
	env := newTestEnv(t, frozenBefore{cutoff: date(31)})
	ctx := context.Background()
	actor := testutil.Accountant(1)

	invoice := env.bookedInvoice(t, "ACME SARL", "F-2025-001", "1200.00", date(1))
	tx := env.bankTransaction(t, "demo-0001", "-1200.00", "ACME SARL", "F-2025-001", date(3))

	_, err := env.svc.Reconcile(ctx, actor, domain.ReconcileRequest{TransactionID: tx.ID, DocumentID: invoice.ID})
	assert.ErrorIs(t, err, perioddomain.ErrPeriodFrozen)

	summary, err := env.svc.RunAuto(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Frozen)
	assert.Zero(t, summary.Auto)
}

func TestRuleLookupForCounterparty(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.svc.CreateRule(ctx, testutil.Accountant(1), domain.CreateRuleRequest{
		Field: domain.FieldCounterparty, MatchType: domain.MatchContains, Value: "ovh",
		Action: domain.ActionAssignAccount, Target: "626000",
	})
	require.NoError(t, err)

	lookup := NewRuleLookup(env.repo)
	account, ok, err := lookup.AccountForCounterparty(ctx, env.db, 1, "OVH SAS")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "626000", account)

	_, ok, err = lookup.AccountForCounterparty(ctx, env.db, 1, "Orange")
	require.NoError(t, err)
	assert.False(t, ok)
}
