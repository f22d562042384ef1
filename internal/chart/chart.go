// Package chart loads the tenant chart of accounts: accounts, journals per
// document type, tax codes and keyword hints used by classification.
package chart

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/autocompta/pkg/textmatch"
	"gopkg.in/yaml.v3"
)

//go:embed default_chart.yml
var defaultChart []byte

var ErrInvalidChart = errors.New("invalid_chart")

const BankJournalKey = "bank"

type Account struct {
	Code  string `yaml:"code"`
	Label string `yaml:"label"`
	Kind  string `yaml:"kind"`
}

type TaxCode struct {
	Code              string          `yaml:"code"`
	Rate              decimal.Decimal `yaml:"rate"`
	DeductibleAccount string          `yaml:"deductible_account"`
	CollectedAccount  string          `yaml:"collected_account"`
}

type Defaults struct {
	Supplier      string `yaml:"supplier"`
	Customer      string `yaml:"customer"`
	Expense       string `yaml:"expense"`
	Revenue       string `yaml:"revenue"`
	VATDeductible string `yaml:"vat_deductible"`
	VATCollected  string `yaml:"vat_collected"`
	Bank          string `yaml:"bank"`
	Suspense      string `yaml:"suspense"`
}

type KeywordRule struct {
	Account string   `yaml:"account"`
	Words   []string `yaml:"words"`
}

type Chart struct {
	Accounts []Account         `yaml:"accounts"`
	Journals map[string]string `yaml:"journals"`
	TaxCodes []TaxCode         `yaml:"tax_codes"`
	Defaults Defaults          `yaml:"defaults"`
	Keywords []KeywordRule     `yaml:"keywords"`

	byCode map[string]Account
}

// Default returns the embedded chart.
func Default() *Chart {
	c, err := Parse(defaultChart)
	if err != nil {
		panic(fmt.Sprintf("embedded chart: %v", err))
	}
	return c
}

// Load reads a chart from path, or the embedded default when path is empty.
func Load(path string) (*Chart, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Chart, error) {
	var c Chart
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChart, err)
	}
	c.byCode = make(map[string]Account, len(c.Accounts))
	for _, a := range c.Accounts {
		code := strings.TrimSpace(a.Code)
		if code == "" {
			return nil, fmt.Errorf("%w: account without code", ErrInvalidChart)
		}
		c.byCode[code] = a
	}

	for name, code := range map[string]string{
		"supplier":       c.Defaults.Supplier,
		"customer":       c.Defaults.Customer,
		"vat_deductible": c.Defaults.VATDeductible,
		"vat_collected":  c.Defaults.VATCollected,
		"bank":           c.Defaults.Bank,
	} {
		if !c.Has(code) {
			return nil, fmt.Errorf("%w: default %s account %q not in chart", ErrInvalidChart, name, code)
		}
	}
	for _, rule := range c.Keywords {
		if !c.Has(rule.Account) {
			return nil, fmt.Errorf("%w: keyword account %q not in chart", ErrInvalidChart, rule.Account)
		}
	}
	// highest rate first so rate matching prefers the common code on ties
	sort.SliceStable(c.TaxCodes, func(i, j int) bool {
		return c.TaxCodes[i].Rate.GreaterThan(c.TaxCodes[j].Rate)
	})
	return &c, nil
}

func (c *Chart) Has(code string) bool {
	_, ok := c.byCode[strings.TrimSpace(code)]
	return ok
}

func (c *Chart) Account(code string) (Account, bool) {
	a, ok := c.byCode[strings.TrimSpace(code)]
	return a, ok
}

// Journal returns the journal code for a document type, if mapped.
func (c *Chart) Journal(documentType string) (string, bool) {
	code, ok := c.Journals[documentType]
	return code, ok && code != ""
}

// HasJournal reports whether code is one of the mapped journal codes.
func (c *Chart) HasJournal(code string) bool {
	code = strings.TrimSpace(code)
	for _, j := range c.Journals {
		if code != "" && strings.EqualFold(j, code) {
			return true
		}
	}
	return false
}

func (c *Chart) TaxCode(code string) (TaxCode, bool) {
	for _, tc := range c.TaxCodes {
		if strings.EqualFold(tc.Code, code) {
			return tc, true
		}
	}
	return TaxCode{}, false
}

// TaxCodeForRate finds the tax code whose rate is within half a point of rate.
func (c *Chart) TaxCodeForRate(rate decimal.Decimal) (TaxCode, bool) {
	tolerance := decimal.NewFromFloat(0.005)
	for _, tc := range c.TaxCodes {
		if tc.Rate.Sub(rate).Abs().LessThanOrEqual(tolerance) {
			return tc, true
		}
	}
	return TaxCode{}, false
}

// MatchKeywords returns the account whose keyword list has the most hits in text.
func (c *Chart) MatchKeywords(text string) (string, int, bool) {
	normalized := " " + textmatch.Normalize(text) + " "
	best, bestHits := "", 0
	for _, rule := range c.Keywords {
		hits := 0
		for _, w := range rule.Words {
			needle := textmatch.Normalize(w)
			if needle != "" && strings.Contains(normalized, " "+needle+" ") {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = rule.Account, hits
		}
	}
	return best, bestHits, bestHits > 0
}
