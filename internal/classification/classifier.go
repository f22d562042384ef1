// Package classification suggests the document type, counterparty, account,
// journal and tax code of an extracted document.
package classification

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/chart"
	"github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/internal/extraction"
	"github.com/smallbiznis/autocompta/pkg/textmatch"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	priorLimit           = 500
	vendorSnapSimilarity = 0.85

	certaintyConsistent  = 0.98
	certaintySinglePrior = 0.92
	certaintyMajority    = 0.85
	certaintyLearnerCap  = 0.90
	certaintyKeywordOne  = 0.80
	certaintyKeywordMany = 0.88
	certaintyRevenue     = 0.85
	certaintyFallback    = 0.50
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Chart *chart.Chart
	Repo  domain.Repository
}

type Classifier struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	chart *chart.Chart
	repo  domain.Repository
}

func NewClassifier(p Params) *Classifier {
	return &Classifier{
		db:    p.DB,
		log:   p.Log.Named("classification"),
		genID: p.GenID,
		chart: p.Chart,
		repo:  p.Repo,
	}
}

type accountPick struct {
	code      string
	certainty float64
	reason    string
}

// Classify suggests how doc should be booked. On failure it returns a
// documented failed classification together with a *ClassificationError so
// the document can still reach ANALYZED.
func (c *Classifier) Classify(ctx context.Context, db *gorm.DB, doc *domain.Document, ocr *domain.OCRResult) (*domain.AIClassification, error) {
	if db == nil {
		db = c.db
	}
	if ocr == nil {
		return c.failed(doc, &ClassificationError{Reason: "no_ocr_result"})
	}

	prior, err := c.repo.PriorClassifications(ctx, db, doc.TenantID, priorLimit)
	if err != nil {
		return c.failed(doc, &ClassificationError{Reason: "prior_lookup", Err: err})
	}

	var reasons []string

	docType, typeCertainty, why := detectType(doc, ocr)
	reasons = append(reasons, why)

	vendor := strings.TrimSpace(doc.CounterpartyName)
	if snapped, sim, ok := snapVendor(vendor, prior); ok && snapped != vendor {
		reasons = append(reasons, fmt.Sprintf("vendor %q snapped to known %q (%.2f)", vendor, snapped, sim))
		vendor = snapped
	}

	var pick accountPick
	if docType.Accountable() {
		pick, err = c.pickAccount(docType, vendor, ocr.RawText, prior)
		if err != nil {
			return c.failed(doc, &ClassificationError{Reason: "learner", Err: err})
		}
		if pick.reason != "" {
			reasons = append(reasons, pick.reason)
		}
	} else {
		pick = accountPick{certainty: 1}
		reasons = append(reasons, fmt.Sprintf("%s is not booked", docType))
	}

	journal, hasJournal := c.chart.Journal(string(docType))

	taxCode, hasTax := c.taxCode(doc)
	if hasTax {
		reasons = append(reasons, "tax code "+taxCode+" from effective rate")
	}

	score := ocr.Confidence * pick.certainty * typeCertainty
	penalties := []struct {
		missing bool
		factor  float64
		label   string
	}{
		{!doc.TotalAmount.Valid, 0.70, "total"},
		{doc.DocumentDate == nil, 0.85, "date"},
		{vendor == "", 0.85, "counterparty"},
		{docType.Accountable() && !hasTax, 0.95, "tax code"},
	}
	for _, p := range penalties {
		if p.missing {
			score *= p.factor
			reasons = append(reasons, "missing "+p.label)
		}
	}
	score = math.Round(score*10000) / 10000

	out := &domain.AIClassification{
		ID:              c.genID.Generate(),
		TenantID:        doc.TenantID,
		DocumentID:      doc.ID,
		DocumentType:    docType,
		ConfidenceScore: score,
		ConfidenceLevel: domain.Bucket(score),
		Reasoning:       strings.Join(reasons, "; "),
		CreatedAt:       time.Now().UTC(),
	}
	if vendor != "" {
		out.SuggestedVendor = domain.Suggest(vendor)
	}
	if pick.code != "" {
		out.SuggestedAccount = domain.Suggest(pick.code)
	}
	if hasJournal {
		out.SuggestedJournal = domain.Suggest(journal)
	}
	if hasTax {
		out.SuggestedTaxCode = domain.Suggest(taxCode)
	}

	c.log.Debug("document classified",
		zap.String("document_id", doc.ID.String()),
		zap.String("document_type", string(docType)),
		zap.Float64("score", score),
		zap.String("level", string(out.ConfidenceLevel)),
	)
	return out, nil
}

func (c *Classifier) failed(doc *domain.Document, clsErr *ClassificationError) (*domain.AIClassification, error) {
	c.log.Warn("classification degraded to manual routing",
		zap.String("document_id", doc.ID.String()),
		zap.String("reason", clsErr.Reason),
		zap.Error(clsErr.Err),
	)
	return &domain.AIClassification{
		ID:              c.genID.Generate(),
		TenantID:        doc.TenantID,
		DocumentID:      doc.ID,
		DocumentType:    doc.Type,
		ConfidenceScore: 0,
		ConfidenceLevel: domain.ConfidenceVeryLow,
		Reasoning:       "classification failed",
		Failed:          true,
		FailureReason:   clsErr.Error(),
		CreatedAt:       time.Now().UTC(),
	}, clsErr
}

func (c *Classifier) pickAccount(docType domain.DocumentType, vendor, text string, prior []domain.PriorClassification) (accountPick, error) {
	if pick, ok := consistentAccount(vendor, prior); ok && c.chart.Has(pick.code) {
		return pick, nil
	}

	l, err := newLearner(prior)
	if err != nil {
		return accountPick{}, err
	}
	if account, p, ok := l.predict(vendor + " " + text); ok && p >= 0.5 && c.chart.Has(account) {
		return accountPick{
			code:      account,
			certainty: math.Min(p, certaintyLearnerCap),
			reason:    fmt.Sprintf("account %s learned from history (p=%.2f)", account, p),
		}, nil
	}

	if !docType.Purchase() {
		return accountPick{
			code:      c.chart.Defaults.Revenue,
			certainty: certaintyRevenue,
			reason:    "revenue account from chart defaults",
		}, nil
	}

	if account, hits, ok := c.chart.MatchKeywords(vendor + " " + text); ok {
		certainty := certaintyKeywordOne
		if hits > 1 {
			certainty = certaintyKeywordMany
		}
		return accountPick{
			code:      account,
			certainty: certainty,
			reason:    fmt.Sprintf("account %s from %d chart keyword(s)", account, hits),
		}, nil
	}

	return accountPick{certainty: certaintyFallback, reason: "no account evidence"}, nil
}

// consistentAccount looks at what the same counterparty was booked on before.
func consistentAccount(vendor string, prior []domain.PriorClassification) (accountPick, bool) {
	if vendor == "" {
		return accountPick{}, false
	}
	counts := map[string]int{}
	total := 0
	for _, p := range prior {
		if p.Account == "" || textmatch.Similarity(vendor, p.CounterpartyName) < vendorSnapSimilarity {
			continue
		}
		counts[p.Account]++
		total++
	}
	if total == 0 {
		return accountPick{}, false
	}

	accounts := make([]string, 0, len(counts))
	for account := range counts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		if counts[accounts[i]] != counts[accounts[j]] {
			return counts[accounts[i]] > counts[accounts[j]]
		}
		return accounts[i] < accounts[j]
	})
	best := accounts[0]
	share := float64(counts[best]) / float64(total)

	var certainty float64
	switch {
	case total == 1:
		certainty = certaintySinglePrior
	case share == 1:
		certainty = certaintyConsistent
	case share >= 2.0/3.0:
		certainty = certaintyMajority
	default:
		return accountPick{}, false
	}
	return accountPick{
		code:      best,
		certainty: certainty,
		reason:    fmt.Sprintf("account %s used %d/%d times for this counterparty", best, counts[best], total),
	}, true
}

// snapVendor returns the closest known counterparty spelling.
func snapVendor(vendor string, prior []domain.PriorClassification) (string, float64, bool) {
	if vendor == "" {
		return "", 0, false
	}
	best, bestSim := "", 0.0
	for _, p := range prior {
		name := strings.TrimSpace(p.CounterpartyName)
		if name == "" {
			continue
		}
		sim := textmatch.Similarity(vendor, name)
		if sim > bestSim || (sim == bestSim && name < best) {
			best, bestSim = name, sim
		}
	}
	if bestSim < vendorSnapSimilarity {
		return "", bestSim, false
	}
	return best, bestSim, true
}

var typeKeywords = []struct {
	words []string
	typ   domain.DocumentType
}{
	{[]string{"avoir", "credit note", "note de credit"}, domain.TypeCreditNoteReceived},
	{[]string{"note de frais", "expense report", "expense claim"}, domain.TypeExpenseNote},
	{[]string{"bon de commande", "purchase order"}, domain.TypePurchaseOrder},
	{[]string{"devis", "quotation", "quote"}, domain.TypeQuote},
	{[]string{"facture", "invoice"}, domain.TypeInvoiceReceived},
}

func detectType(doc *domain.Document, ocr *domain.OCRResult) (domain.DocumentType, float64, string) {
	if f, ok := ocr.Field(extraction.FieldDocumentType); ok {
		if t, ok := extraction.ParseDocumentType(f.Value); ok {
			return t, 1, "type " + string(t) + " read on document"
		}
	}
	if doc.Type != domain.TypeUnknown {
		return doc.Type, 1, "type " + string(doc.Type) + " from submission"
	}
	text := " " + textmatch.Normalize(ocr.RawText) + " "
	for _, kw := range typeKeywords {
		for _, w := range kw.words {
			if strings.Contains(text, " "+textmatch.Normalize(w)+" ") {
				return kw.typ, 0.9, fmt.Sprintf("type %s from keyword %q", kw.typ, w)
			}
		}
	}
	return domain.TypeOther, 0.6, "type unknown"
}

func (c *Classifier) taxCode(doc *domain.Document) (string, bool) {
	if !doc.AmountExclTax.Valid || !doc.TaxAmount.Valid || !doc.AmountExclTax.Decimal.IsPositive() {
		return "", false
	}
	tc, ok := c.chart.TaxCodeForRate(doc.TaxAmount.Decimal.Div(doc.AmountExclTax.Decimal).Round(4))
	return tc.Code, ok
}
