package extraction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseAmount(t *testing.T) {
	cases := map[string]string{
		"1 200,50 €":  "1200.5",
		"1.200,50":    "1200.5",
		"1,200.50":    "1200.5",
		"1200":        "1200",
		"1,200":       "1200",
		"EUR 99.999":  "100",
		"-45,3":       "-45.3",
		"1.234.567":   "1234567",
	}
	for in, want := range cases {
		got, ok := ParseAmount(in)
		if assert.True(t, ok, in) {
			assert.Equal(t, want, got.String(), in)
		}
	}

	_, ok := ParseAmount("n/a")
	assert.False(t, ok)
}

func TestParseDate(t *testing.T) {
	want := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2025-03-05", "05/03/2025", "5/3/2025", "05.03.2025", "5 mars 2025", "5 March 2025", "March 5, 2025"} {
		got, ok := ParseDate(in)
		if assert.True(t, ok, in) {
			assert.Equal(t, want, got, in)
		}
	}

	_, ok := ParseDate("next tuesday")
	assert.False(t, ok)
}

func TestCanonicalField(t *testing.T) {
	assert.Equal(t, FieldInvoiceNumber, CanonicalField("Facture N°"))
	assert.Equal(t, FieldTotalAmount, CanonicalField("Total TTC"))
	assert.Equal(t, FieldDueDate, CanonicalField("Date d'échéance"))
	assert.Equal(t, FieldVendorName, CanonicalField("vendor_name"))
}
