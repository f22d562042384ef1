package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/autocompta/internal/chart"
	"github.com/smallbiznis/autocompta/internal/config"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	journaldomain "github.com/smallbiznis/autocompta/internal/journal/domain"
	"github.com/smallbiznis/autocompta/internal/validation/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const reviewTag = "review"

var amountTolerance = decimal.New(1, -2)

type RouterParams struct {
	fx.In

	Chart      *chart.Chart
	Docs       docdomain.Repository
	Automation *config.AutomationConfigHolder
	Rules      domain.RuleAccountLookup `optional:"true"`
}

type Router struct {
	chart      *chart.Chart
	docs       docdomain.Repository
	automation *config.AutomationConfigHolder
	rules      domain.RuleAccountLookup
}

func NewRouter(p RouterParams) *Router {
	return &Router{
		chart:      p.Chart,
		docs:       p.Docs,
		automation: p.Automation,
		rules:      p.Rules,
	}
}

func ProvideRouter(r *Router) domain.Router {
	return r
}

// Route decides whether an analyzed document is booked without a human. Every
// check runs so the queue item lists all reasons; the issue type is the one
// with the highest precedence.
func (r *Router) Route(ctx context.Context, db *gorm.DB, in domain.RouteInput) (domain.Decision, error) {
	doc, cls := in.Document, in.Classification
	if doc == nil {
		return domain.Decision{}, docdomain.ErrNotFound
	}
	thresholds := r.automation.Get().For(doc.TenantID)
	decision := domain.Decision{Auto: true}

	minLevel := docdomain.ConfidenceLevel(strings.ToUpper(thresholds.MinAutoLevel))
	switch {
	case cls == nil:
		decision.Flag(domain.IssueLowConfidence, "no classification available")
	case cls.Failed:
		decision.Flag(domain.IssueLowConfidence, "classification failed: "+cls.FailureReason)
	case !cls.ConfidenceLevel.AtLeast(minLevel):
		decision.Flag(domain.IssueLowConfidence, fmt.Sprintf("confidence %s below %s", cls.ConfidenceLevel, minLevel))
	}

	if !doc.TotalAmount.Valid || doc.TotalAmount.Decimal.IsZero() {
		decision.Flag(domain.IssueMissingInfo, "total amount missing")
	}
	if doc.DocumentDate == nil {
		decision.Flag(domain.IssueMissingInfo, "document date missing")
	}

	if doc.Type.Accountable() {
		_, err := journaldomain.Build(doc, cls, journaldomain.Overrides{}, r.chart)
		if unbalanceable, ok := journaldomain.AsUnbalanceable(err); ok {
			decision.Flag(domain.IssueMissingInfo, "entry cannot balance, missing "+strings.Join(unbalanceable.Missing, ", "))
		} else if err != nil && !errors.Is(err, journaldomain.ErrInvalidAccount) && !errors.Is(err, journaldomain.ErrInvalidTaxCode) {
			return domain.Decision{}, err
		}
	} else {
		decision.Flag(domain.IssueManualReview, fmt.Sprintf("document type %q is not booked automatically", doc.Type))
	}

	duplicates, err := r.docs.FindPossibleDuplicates(ctx, db, doc)
	if err != nil {
		return domain.Decision{}, err
	}
	for _, dup := range duplicates {
		decision.Flag(domain.IssueDuplicateSuspect, fmt.Sprintf("possible duplicate of document %s", dup.ID))
	}

	if err := r.checkAmounts(ctx, db, doc, &decision); err != nil {
		return domain.Decision{}, err
	}

	account := ""
	if cls != nil {
		account = cls.SuggestedAccount.OrElse("")
		if account != "" && !r.chart.Has(account) {
			decision.Flag(domain.IssueAccountUnknown, fmt.Sprintf("suggested account %s is not in the chart", account))
		}
		if code := cls.SuggestedTaxCode.OrElse(""); code != "" {
			if _, ok := r.chart.TaxCode(code); !ok {
				decision.Flag(domain.IssueAccountUnknown, fmt.Sprintf("suggested tax code %s is unknown", code))
			}
		}
	}

	if r.rules != nil && doc.CounterpartyName != "" && doc.Type.Accountable() {
		ruleAccount, ok, err := r.rules.AccountForCounterparty(ctx, db, doc.TenantID, doc.CounterpartyName)
		if err != nil {
			return domain.Decision{}, err
		}
		if ok && ruleAccount != account {
			decision.Flag(domain.IssueManualReview, fmt.Sprintf("rule assigns account %s to %s, classification suggests %q", ruleAccount, doc.CounterpartyName, account))
		}
	}

	if thresholds.ReviewLimit > 0 && doc.TotalAmount.Valid &&
		doc.TotalAmount.Decimal.Abs().GreaterThan(decimal.NewFromFloat(thresholds.ReviewLimit)) {
		decision.Flag(domain.IssueManualReview, fmt.Sprintf("total %s above review limit %.2f", doc.TotalAmount.Decimal.StringFixed(2), thresholds.ReviewLimit))
	}
	if doc.HasTag(reviewTag) {
		decision.Flag(domain.IssueManualReview, "tagged for review")
	}

	return decision, nil
}

func (r *Router) checkAmounts(ctx context.Context, db *gorm.DB, doc *docdomain.Document, decision *domain.Decision) error {
	if doc.AmountExclTax.Valid && doc.TaxAmount.Valid && doc.TotalAmount.Valid {
		sum := doc.AmountExclTax.Decimal.Add(doc.TaxAmount.Decimal)
		if sum.Sub(doc.TotalAmount.Decimal).Abs().GreaterThan(amountTolerance) {
			decision.Flag(domain.IssueAmountMismatch, fmt.Sprintf("excl %s + tax %s != total %s",
				doc.AmountExclTax.Decimal.StringFixed(2), doc.TaxAmount.Decimal.StringFixed(2), doc.TotalAmount.Decimal.StringFixed(2)))
		}
	}

	if doc.LinkedDocumentID == nil || !doc.TotalAmount.Valid {
		return nil
	}
	order, err := r.docs.FindByID(ctx, db, doc.TenantID, *doc.LinkedDocumentID)
	if errors.Is(err, docdomain.ErrNotFound) {
		decision.Flag(domain.IssueAmountMismatch, fmt.Sprintf("linked purchase order %s not found", *doc.LinkedDocumentID))
		return nil
	}
	if err != nil {
		return err
	}
	if order.TotalAmount.Valid && order.TotalAmount.Decimal.Abs().Sub(doc.TotalAmount.Decimal.Abs()).Abs().GreaterThan(amountTolerance) {
		decision.Flag(domain.IssueAmountMismatch, fmt.Sprintf("total %s differs from purchase order %s (%s)",
			doc.TotalAmount.Decimal.StringFixed(2), order.ID, order.TotalAmount.Decimal.StringFixed(2)))
	}
	return nil
}
