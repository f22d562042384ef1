package service

import (
	"context"
	"testing"

	"github.com/smallbiznis/autocompta/internal/config"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/internal/validation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixedRule struct {
	account string
}

func (f fixedRule) AccountForCounterparty(context.Context, *gorm.DB, int64, string) (string, bool, error) {
	return f.account, f.account != "", nil
}

func (e *testEnv) router(rules domain.RuleAccountLookup) *Router {
	return NewRouter(RouterParams{Chart: e.chart, Docs: e.docs, Automation: e.holder, Rules: rules})
}

func TestRouteCompleteHighConfidenceInvoiceIsAuto(t *testing.T) {
	env := newTestEnv(t)
	doc := env.newDocument(t, withStatus(docdomain.StatusAnalyzed))

	decision, err := env.router(nil).Route(context.Background(), env.db, domain.RouteInput{
		Document:       doc,
		Classification: highConfidence(doc, "628000"),
	})
	require.NoError(t, err)
	assert.True(t, decision.Auto, decision.Reasons)
	assert.Empty(t, decision.IssueType)
}

func TestRouteIssuePrecedence(t *testing.T) {
	env := newTestEnv(t)
	doc := env.newDocument(t, withStatus(docdomain.StatusAnalyzed))
	doc.DocumentDate = nil
	cls := highConfidence(doc, "999999")
	cls.ConfidenceLevel = docdomain.ConfidenceMedium

	decision, err := env.router(nil).Route(context.Background(), env.db, domain.RouteInput{Document: doc, Classification: cls})
	require.NoError(t, err)
	assert.False(t, decision.Auto)
	assert.Equal(t, domain.IssueLowConfidence, decision.IssueType)
	assert.Len(t, decision.Reasons, 3)

	cls.ConfidenceLevel = docdomain.ConfidenceHigh
	decision, err = env.router(nil).Route(context.Background(), env.db, domain.RouteInput{Document: doc, Classification: cls})
	require.NoError(t, err)
	assert.Equal(t, domain.IssueMissingInfo, decision.IssueType)
}

func TestRouteFlagsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	env.newDocument(t, withStatus(docdomain.StatusPosted), withCounterparty("ACME SARL", "F-2025-001"))
	doc := env.newDocument(t, withStatus(docdomain.StatusAnalyzed), withCounterparty("ACME SARL", "F-2025-001"))

	decision, err := env.router(nil).Route(context.Background(), env.db, domain.RouteInput{Document: doc, Classification: highConfidence(doc, "628000")})
	require.NoError(t, err)
	assert.Equal(t, domain.IssueDuplicateSuspect, decision.IssueType)
}

func TestRouteAmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	doc := env.newDocument(t, withStatus(docdomain.StatusAnalyzed))
	doc.AmountExclTax = doc.TotalAmount
	doc.AmountExclTax.Decimal = doc.AmountExclTax.Decimal.Sub(doc.TaxAmount.Decimal).Sub(doc.TaxAmount.Decimal)

	decision, err := env.router(nil).Route(context.Background(), env.db, domain.RouteInput{Document: doc, Classification: highConfidence(doc, "628000")})
	require.NoError(t, err)
	assert.Equal(t, domain.IssueAmountMismatch, decision.IssueType)
}

func TestRouteUnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	doc := env.newDocument(t, withStatus(docdomain.StatusAnalyzed))

	decision, err := env.router(nil).Route(context.Background(), env.db, domain.RouteInput{Document: doc, Classification: highConfidence(doc, "999999")})
	require.NoError(t, err)
	assert.Equal(t, domain.IssueAccountUnknown, decision.IssueType)
}

func TestRouteManualReviewTriggers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tagged := env.newDocument(t, withStatus(docdomain.StatusAnalyzed))
	tagged.Tags = []string{"Review"}
	decision, err := env.router(nil).Route(ctx, env.db, domain.RouteInput{Document: tagged, Classification: highConfidence(tagged, "628000")})
	require.NoError(t, err)
	assert.Equal(t, domain.IssueManualReview, decision.IssueType)

	ruled := env.newDocument(t, withStatus(docdomain.StatusAnalyzed))
	decision, err = env.router(fixedRule{account: "626000"}).Route(ctx, env.db, domain.RouteInput{Document: ruled, Classification: highConfidence(ruled, "628000")})
	require.NoError(t, err)
	assert.Equal(t, domain.IssueManualReview, decision.IssueType)

	limit := 1000.0
	cfg := config.DefaultAutomationConfig()
	cfg.Tenants = map[string]config.TenantOverride{"1": {ReviewLimit: &limit}}
	env.holder = config.NewStaticAutomationConfigHolder(cfg)
	big := env.newDocument(t, withStatus(docdomain.StatusAnalyzed))
	decision, err = env.router(nil).Route(ctx, env.db, domain.RouteInput{Document: big, Classification: highConfidence(big, "628000")})
	require.NoError(t, err)
	assert.Equal(t, domain.IssueManualReview, decision.IssueType)

	quote := env.newDocument(t, withStatus(docdomain.StatusAnalyzed))
	quote.Type = docdomain.TypeQuote
	decision, err = env.router(nil).Route(ctx, env.db, domain.RouteInput{Document: quote, Classification: highConfidence(quote, "628000")})
	require.NoError(t, err)
	assert.False(t, decision.Auto)
	assert.Equal(t, domain.IssueManualReview, decision.IssueType)
}
