package chart

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultChart(t *testing.T) {
	c := Default()

	assert.True(t, c.Has("401000"))
	assert.False(t, c.Has("999999"))

	journal, ok := c.Journal("invoice_received")
	require.True(t, ok)
	assert.Equal(t, "HA", journal)

	tc, ok := c.TaxCodeForRate(decimal.RequireFromString("0.2"))
	require.True(t, ok)
	assert.Equal(t, "TVA20", tc.Code)

	tc, ok = c.TaxCodeForRate(decimal.RequireFromString("0.0551"))
	require.True(t, ok)
	assert.Equal(t, "TVA55", tc.Code)
}

func TestMatchKeywords(t *testing.T) {
	c := Default()

	account, hits, ok := c.MatchKeywords("Facture EDF électricité janvier")
	require.True(t, ok)
	assert.Equal(t, "606100", account)
	assert.Equal(t, 2, hits)

	_, _, ok = c.MatchKeywords("nothing relevant")
	assert.False(t, ok)
}

func TestParseRejectsUnknownDefault(t *testing.T) {
	_, err := Parse([]byte(`
accounts:
  - { code: "401000", label: "Fournisseurs" }
defaults:
  supplier: "401000"
  customer: "411000"
`))
	assert.ErrorIs(t, err, ErrInvalidChart)
}
