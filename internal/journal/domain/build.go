package domain

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/autocompta/internal/chart"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
)

// Draft is a built but not yet persisted entry.
type Draft struct {
	JournalCode string
	Label       string
	Lines       []EntryLine
	Account     string
}

// Build turns a document and its classification into balanced lines.
// Overrides win over suggestions, suggestions over chart defaults.
//
// Purchase side: debit expense (excl. tax), debit deductible VAT, credit
// supplier (total). Sales side: debit customer (total), credit revenue,
// credit collected VAT. Credit notes swap the sides.
func Build(doc *docdomain.Document, cls *docdomain.AIClassification, ov Overrides, c *chart.Chart) (*Draft, error) {
	if !doc.Type.Accountable() {
		return nil, ErrDocumentNotBookable
	}

	var missing []string
	suggest := func(get func(*docdomain.AIClassification) docdomain.Suggestion) string {
		if cls == nil {
			return ""
		}
		return get(cls).OrElse("")
	}

	total := decimal.Zero
	if doc.TotalAmount.Valid {
		total = doc.TotalAmount.Decimal.Abs().Round(2)
	}
	if total.IsZero() {
		missing = append(missing, "total_amount")
	}

	purchase := doc.Type.Purchase()

	account := firstNonEmpty(ov.Account, suggest(func(a *docdomain.AIClassification) docdomain.Suggestion { return a.SuggestedAccount }))
	if account == "" {
		if purchase {
			account = c.Defaults.Expense
		} else {
			account = c.Defaults.Revenue
		}
	}
	if account == "" {
		missing = append(missing, "account")
	} else if !c.Has(account) {
		return nil, ErrInvalidAccount
	}

	journal := firstNonEmpty(ov.Journal, suggest(func(a *docdomain.AIClassification) docdomain.Suggestion { return a.SuggestedJournal }))
	if journal == "" {
		journal, _ = c.Journal(string(doc.Type))
	}
	if journal == "" {
		missing = append(missing, "journal")
	}

	counterpart := c.Defaults.Customer
	if purchase {
		counterpart = c.Defaults.Supplier
	}
	if counterpart == "" {
		missing = append(missing, "counterparty_account")
	}

	tax := decimal.Zero
	var taxCode *chart.TaxCode
	if code := firstNonEmpty(ov.TaxCode, suggest(func(a *docdomain.AIClassification) docdomain.Suggestion { return a.SuggestedTaxCode })); code != "" {
		tc, ok := c.TaxCode(code)
		if !ok {
			return nil, ErrInvalidTaxCode
		}
		taxCode = &tc
	}
	switch {
	case doc.TaxAmount.Valid:
		tax = doc.TaxAmount.Decimal.Abs().Round(2)
	case taxCode != nil && !total.IsZero():
		// total = excl * (1 + rate)
		excl := total.Div(decimal.NewFromInt(1).Add(taxCode.Rate)).Round(2)
		tax = total.Sub(excl)
	}
	if tax.GreaterThanOrEqual(total) && !total.IsZero() {
		missing = append(missing, "amount_excl_tax")
	}

	vatAccount := ""
	if tax.IsPositive() {
		switch {
		case taxCode != nil && purchase:
			vatAccount = taxCode.DeductibleAccount
		case taxCode != nil:
			vatAccount = taxCode.CollectedAccount
		}
		if vatAccount == "" {
			if purchase {
				vatAccount = c.Defaults.VATDeductible
			} else {
				vatAccount = c.Defaults.VATCollected
			}
		}
		if vatAccount == "" {
			missing = append(missing, "vat_account")
		}
	}

	if len(missing) > 0 {
		return nil, &UnbalanceableEntryError{Missing: missing}
	}

	// the counterpart carries the total, the base absorbs rounding
	base := total.Sub(tax)
	label := entryLabel(doc)

	// debitSide is true when the base and VAT lines are debits
	debitSide := purchase != doc.Type.CreditNote()
	lines := make([]EntryLine, 0, 3)
	add := func(code string, amount decimal.Decimal, debit bool, lineLabel string) {
		line := EntryLine{Position: len(lines) + 1, AccountCode: code, Debit: decimal.Zero, Credit: decimal.Zero, Label: lineLabel}
		if debit {
			line.Debit = amount
		} else {
			line.Credit = amount
		}
		lines = append(lines, line)
	}
	if !debitSide {
		add(counterpart, total, true, label)
	}
	add(account, base, debitSide, label)
	if tax.IsPositive() {
		add(vatAccount, tax, debitSide, label+" TVA")
	}
	if debitSide {
		add(counterpart, total, false, label)
	}

	if err := ValidateBalanced(lines); err != nil {
		return nil, err
	}
	return &Draft{JournalCode: journal, Label: label, Lines: lines, Account: account}, nil
}

// BuildBankMovement books a bank-only movement against account. A negative
// amount leaves the bank.
func BuildBankMovement(amount decimal.Decimal, account, journal, label string, c *chart.Chart) (*Draft, error) {
	if account == "" || !c.Has(account) {
		return nil, ErrInvalidAccount
	}
	abs := amount.Abs().Round(2)
	if abs.IsZero() {
		return nil, &UnbalanceableEntryError{Missing: []string{"amount"}}
	}
	if journal = strings.TrimSpace(journal); journal != "" {
		if !c.HasJournal(journal) {
			return nil, ErrInvalidJournal
		}
	} else {
		journal, _ = c.Journal(chart.BankJournalKey)
	}
	if journal == "" {
		return nil, &UnbalanceableEntryError{Missing: []string{"journal"}}
	}

	bankLine := EntryLine{AccountCode: c.Defaults.Bank, Debit: decimal.Zero, Credit: decimal.Zero, Label: label}
	otherLine := EntryLine{AccountCode: account, Debit: decimal.Zero, Credit: decimal.Zero, Label: label}
	if amount.IsNegative() {
		otherLine.Debit, bankLine.Credit = abs, abs
	} else {
		bankLine.Debit, otherLine.Credit = abs, abs
	}
	lines := []EntryLine{otherLine, bankLine}
	if amount.IsPositive() {
		lines = []EntryLine{bankLine, otherLine}
	}
	for i := range lines {
		lines[i].Position = i + 1
	}
	if err := ValidateBalanced(lines); err != nil {
		return nil, err
	}
	return &Draft{JournalCode: journal, Label: label, Lines: lines, Account: account}, nil
}

func entryLabel(doc *docdomain.Document) string {
	parts := make([]string, 0, 2)
	if name := strings.TrimSpace(doc.CounterpartyName); name != "" {
		parts = append(parts, name)
	}
	if number := strings.TrimSpace(doc.InvoiceNumber); number != "" {
		parts = append(parts, number)
	}
	if len(parts) == 0 {
		return string(doc.Type) + " " + doc.ID.String()
	}
	return strings.Join(parts, " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
