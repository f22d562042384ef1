package domain

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/pkg/textmatch"
)

const (
	weightAmount       = 50.0
	weightCounterparty = 25.0
	weightDate         = 15.0
	weightReference    = 10.0

	amountNearBand = 0.02
	amountFarBand  = 0.05
	dateWindowDays = 30.0
)

var amountExactTolerance = decimal.RequireFromString("0.01")

// Breakdown is the score of one transaction against one document, per criterion.
type Breakdown struct {
	Amount       float64 `json:"amount"`
	Counterparty float64 `json:"counterparty"`
	Date         float64 `json:"date"`
	Reference    float64 `json:"reference"`
	Total        float64 `json:"total"`
	// DaysApart is the distance to the closest of document and due dates.
	DaysApart int `json:"days_apart"`
}

type Candidate struct {
	DocumentID       snowflake.ID    `json:"document_id"`
	InvoiceNumber    string          `json:"invoice_number,omitempty"`
	CounterpartyName string          `json:"counterparty_name,omitempty"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Score            Breakdown       `json:"score"`
}

// Score rates how well tx settles doc on a 0-100 scale. It is pure: no I/O
// and no clock. A document without a total, or moving money the other way,
// scores zero.
func Score(tx bankdomain.BankTransaction, doc docdomain.Document) Breakdown {
	var b Breakdown
	if !doc.TotalAmount.Valid || doc.TotalAmount.Decimal.IsZero() {
		return b
	}
	if tx.Amount.IsNegative() != doc.Type.Outgoing() {
		return b
	}
	if tx.Currency != "" && doc.Currency != "" && !strings.EqualFold(tx.Currency, doc.Currency) {
		return b
	}

	b.Amount = weightAmount * amountRatio(tx.Amount.Abs(), doc.TotalAmount.Decimal.Abs())
	b.Counterparty = weightCounterparty * counterpartySimilarity(tx, doc.CounterpartyName)
	b.DaysApart = daysApart(tx.BookedAt, doc)
	b.Date = weightDate * math.Max(0, 1-float64(b.DaysApart)/dateWindowDays)

	possible := weightAmount + weightCounterparty + weightDate + weightReference
	if invoice := textmatch.Compact(doc.InvoiceNumber); invoice != "" {
		if strings.Contains(textmatch.Compact(tx.Reference), invoice) || strings.Contains(textmatch.Compact(tx.Label), invoice) {
			b.Reference = weightReference
		}
	} else {
		possible -= weightReference
	}

	total := (b.Amount + b.Counterparty + b.Date + b.Reference) * 100 / possible
	b.Total = math.Round(total*100) / 100
	return b
}

func amountRatio(paid, due decimal.Decimal) float64 {
	diff := paid.Sub(due).Abs()
	if diff.LessThanOrEqual(amountExactTolerance) {
		return 1
	}
	rel, _ := diff.Div(due).Float64()
	switch {
	case rel <= amountNearBand:
		return 30.0 / weightAmount
	case rel <= amountFarBand:
		return 15.0 / weightAmount
	default:
		return 0
	}
}

func counterpartySimilarity(tx bankdomain.BankTransaction, name string) float64 {
	if strings.TrimSpace(name) == "" {
		return 0
	}
	best := textmatch.Similarity(tx.Counterparty, name)
	if best < 0.9 && textmatch.ContainsFold(tx.Label, name) {
		best = 0.9
	}
	return best
}

func daysApart(booked time.Time, doc docdomain.Document) int {
	best := absDays(booked, doc.EffectiveDate())
	if doc.DueDate != nil {
		if d := absDays(booked, *doc.DueDate); d < best {
			best = d
		}
	}
	return best
}

func absDays(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(d.Hours() / 24)
}

// Rank scores every document against tx and keeps those reaching threshold,
// best first. Ties go to the closest date, then to the oldest document.
func Rank(tx bankdomain.BankTransaction, docs []docdomain.Document, threshold float64) []Candidate {
	out := make([]Candidate, 0, len(docs))
	for _, doc := range docs {
		score := Score(tx, doc)
		if score.Total <= 0 || score.Total < threshold {
			continue
		}
		out = append(out, Candidate{
			DocumentID:       doc.ID,
			InvoiceNumber:    doc.InvoiceNumber,
			CounterpartyName: doc.CounterpartyName,
			TotalAmount:      doc.TotalAmount.Decimal,
			Score:            score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score.Total != b.Score.Total {
			return a.Score.Total > b.Score.Total
		}
		if a.Score.DaysApart != b.Score.DaysApart {
			return a.Score.DaysApart < b.Score.DaysApart
		}
		return a.DocumentID < b.DocumentID
	})
	return out
}

// SortRules orders rules by descending priority, ties by id.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// FirstMatch returns the first active rule in priority order that fires on tx.
func FirstMatch(rules []Rule, tx bankdomain.BankTransaction) (*Rule, bool) {
	for i := range rules {
		if rules[i].Active && rules[i].Matches(tx) {
			return &rules[i], true
		}
	}
	return nil, false
}

// PaymentStatus derives the settlement state of a document from the amounts
// of its active reconciliations.
func PaymentStatus(total decimal.Decimal, settled decimal.Decimal) docdomain.PaymentStatus {
	switch {
	case settled.IsZero():
		return docdomain.PaymentUnpaid
	case settled.Abs().Add(amountExactTolerance).GreaterThanOrEqual(total.Abs()):
		return docdomain.PaymentPaid
	default:
		return docdomain.PaymentPartial
	}
}
