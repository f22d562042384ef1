package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask(t *testing.T) {
	assert.Equal(t, "****0189", Mask("FR76 3000 6000 0112 3456 7890 189"))
	assert.Equal(t, "****", Mask("abc"))
	assert.Equal(t, "", Mask(" "))
}

func TestMaskKeys(t *testing.T) {
	out := MaskKeys(map[string]any{"iban": "FR7630006000011234567890189", "provider": "sandbox"}, "IBAN")
	assert.Equal(t, "****0189", out["iban"])
	assert.Equal(t, "sandbox", out["provider"])
}
