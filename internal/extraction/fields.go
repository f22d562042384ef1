package extraction

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/autocompta/internal/document/domain"
)

const (
	FieldDocumentType  = "document_type"
	FieldInvoiceNumber = "invoice_number"
	FieldVendorName    = "vendor_name"
	FieldAmountExclTax = "amount_excl_tax"
	FieldTaxAmount     = "tax_amount"
	FieldTotalAmount   = "total_amount"
	FieldCurrency      = "currency"
	FieldDocumentDate  = "document_date"
	FieldDueDate       = "due_date"
)

var fieldAliases = map[string]string{
	"type":            FieldDocumentType,
	"type_document":   FieldDocumentType,
	"invoice":         FieldInvoiceNumber,
	"invoice_no":      FieldInvoiceNumber,
	"numero":          FieldInvoiceNumber,
	"numero_facture":  FieldInvoiceNumber,
	"facture_n":       FieldInvoiceNumber,
	"reference":       FieldInvoiceNumber,
	"vendor":          FieldVendorName,
	"supplier":        FieldVendorName,
	"fournisseur":     FieldVendorName,
	"customer":        FieldVendorName,
	"client":          FieldVendorName,
	"counterparty":    FieldVendorName,
	"total":           FieldTotalAmount,
	"total_ttc":       FieldTotalAmount,
	"montant_ttc":     FieldTotalAmount,
	"amount":          FieldTotalAmount,
	"total_ht":        FieldAmountExclTax,
	"montant_ht":      FieldAmountExclTax,
	"subtotal":        FieldAmountExclTax,
	"tva":             FieldTaxAmount,
	"vat":             FieldTaxAmount,
	"tax":             FieldTaxAmount,
	"devise":          FieldCurrency,
	"date":            FieldDocumentDate,
	"date_facture":    FieldDocumentDate,
	"invoice_date":    FieldDocumentDate,
	"echeance":        FieldDueDate,
	"date_echeance":   FieldDueDate,
	"date_d_echeance": FieldDueDate,
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// CanonicalField maps a free-form label onto a known field name.
func CanonicalField(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.NewReplacer("é", "e", "è", "e", "ê", "e", "°", "").Replace(key)
	key = strings.Trim(nonWord.ReplaceAllString(key, "_"), "_")
	if canonical, ok := fieldAliases[key]; ok {
		return canonical
	}
	return key
}

var amountNoise = regexp.MustCompile(`[^0-9,.\-]`)

// ParseAmount reads French ("1 200,50 €") and English ("1,200.50") amounts.
func ParseAmount(raw string) (decimal.Decimal, bool) {
	s := amountNoise.ReplaceAllString(strings.TrimSpace(raw), "")
	if s == "" || s == "-" {
		return decimal.Decimal{}, false
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d.Round(2), true
}

var frenchMonths = strings.NewReplacer(
	"janvier", "January", "février", "February", "fevrier", "February", "mars", "March",
	"avril", "April", "mai", "May", "juin", "June", "juillet", "July", "août", "August",
	"aout", "August", "septembre", "September", "octobre", "October", "novembre", "November",
	"décembre", "December", "decembre", "December",
)

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02.01.2006",
	"02-01-2006",
	"2 January 2006",
	"January 2, 2006",
}

// ParseDate reads day-first dates, ISO dates and French month names.
func ParseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	}
	s = frenchMonths.Replace(strings.ToLower(s))
	s = titleMonth(strings.Join(strings.Fields(s), " "))
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

func titleMonth(s string) string {
	parts := strings.Fields(s)
	for i, p := range parts {
		if len(p) > 2 && p[0] >= 'a' && p[0] <= 'z' {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

var typeAliases = map[string]domain.DocumentType{
	"facture":             domain.TypeInvoiceReceived,
	"facture_fournisseur": domain.TypeInvoiceReceived,
	"invoice":             domain.TypeInvoiceReceived,
	"facture_client":      domain.TypeInvoiceSent,
	"note_de_frais":       domain.TypeExpenseNote,
	"expense":             domain.TypeExpenseNote,
	"avoir":               domain.TypeCreditNoteReceived,
	"avoir_fournisseur":   domain.TypeCreditNoteReceived,
	"avoir_client":        domain.TypeCreditNoteSent,
	"devis":               domain.TypeQuote,
	"bon_de_commande":     domain.TypePurchaseOrder,
}

// ParseDocumentType accepts the enum values and common French labels.
func ParseDocumentType(raw string) (domain.DocumentType, bool) {
	key := CanonicalField(raw)
	if t, ok := domain.ParseDocumentType(key); ok {
		return t, true
	}
	t, ok := typeAliases[key]
	return t, ok
}

// Apply copies extracted values into the document where the submitter left
// them empty and returns the columns to persist.
func Apply(doc *domain.Document, fields []domain.ExtractedField) map[string]any {
	columns := map[string]any{}
	for _, f := range fields {
		value := strings.TrimSpace(f.Value)
		if value == "" {
			continue
		}
		switch CanonicalField(f.Name) {
		case FieldDocumentType:
			if doc.Type == domain.TypeUnknown {
				if t, ok := ParseDocumentType(value); ok {
					doc.Type = t
					columns["document_type"] = t
				}
			}
		case FieldInvoiceNumber:
			if doc.InvoiceNumber == "" {
				doc.InvoiceNumber = value
				columns["invoice_number"] = value
			}
		case FieldVendorName:
			if doc.CounterpartyName == "" {
				doc.CounterpartyName = value
				columns["counterparty_name"] = value
			}
		case FieldAmountExclTax:
			if !doc.AmountExclTax.Valid {
				if d, ok := ParseAmount(value); ok {
					doc.AmountExclTax = decimal.NewNullDecimal(d)
					columns["amount_excl_tax"] = doc.AmountExclTax
				}
			}
		case FieldTaxAmount:
			if !doc.TaxAmount.Valid {
				if d, ok := ParseAmount(value); ok {
					doc.TaxAmount = decimal.NewNullDecimal(d)
					columns["tax_amount"] = doc.TaxAmount
				}
			}
		case FieldTotalAmount:
			if !doc.TotalAmount.Valid {
				if d, ok := ParseAmount(value); ok {
					doc.TotalAmount = decimal.NewNullDecimal(d)
					columns["total_amount"] = doc.TotalAmount
				}
			}
		case FieldCurrency:
			currency := strings.ToUpper(value)
			if currency == "€" {
				currency = "EUR"
			}
			if len(currency) == 3 && currency != doc.Currency {
				doc.Currency = currency
				columns["currency"] = currency
			}
		case FieldDocumentDate:
			if doc.DocumentDate == nil {
				if t, ok := ParseDate(value); ok {
					doc.DocumentDate = &t
					columns["document_date"] = t
				}
			}
		case FieldDueDate:
			if doc.DueDate == nil {
				if t, ok := ParseDate(value); ok {
					doc.DueDate = &t
					columns["due_date"] = t
				}
			}
		}
	}

	// complete the amount triple when exactly one side is missing
	switch {
	case !doc.TotalAmount.Valid && doc.AmountExclTax.Valid && doc.TaxAmount.Valid:
		doc.TotalAmount = decimal.NewNullDecimal(doc.AmountExclTax.Decimal.Add(doc.TaxAmount.Decimal))
		columns["total_amount"] = doc.TotalAmount
	case !doc.AmountExclTax.Valid && doc.TotalAmount.Valid && doc.TaxAmount.Valid:
		doc.AmountExclTax = decimal.NewNullDecimal(doc.TotalAmount.Decimal.Sub(doc.TaxAmount.Decimal))
		columns["amount_excl_tax"] = doc.AmountExclTax
	}
	return columns
}
