package textmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "acme", Normalize("ACME S.A.S."))
	assert.Equal(t, "societe generale", Normalize("Société Générale"))
	assert.Equal(t, "", Normalize("  "))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("ACME SAS", "Acme"))
	assert.GreaterOrEqual(t, Similarity("PRLV ACME", "ACME"), 0.9)
	assert.Less(t, Similarity("Orange", "EDF"), 0.5)
	assert.Equal(t, 0.0, Similarity("", "EDF"))
}

func TestCompactAndContains(t *testing.T) {
	assert.Equal(t, "f20250042", Compact("F-2025/0042"))
	assert.True(t, ContainsFold("VIR SEPA ACME FACT F-2025-0042", "acme"))
	assert.False(t, ContainsFold("VIR SEPA", ""))
}
