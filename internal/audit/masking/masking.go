package masking

import "strings"

const maskToken = "****"

// SensitiveKeys are the metadata keys never stored in clear in the audit log.
var SensitiveKeys = []string{
	"iban",
	"account_number",
	"external_ref",
	"consent_token",
	"access_token",
	"api_key",
}

// Mask redacts a value while keeping its last four characters, e.g. an IBAN.
func Mask(value string) string {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), " ", "")
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 4 {
		return maskToken
	}
	return maskToken + trimmed[len(trimmed)-4:]
}

// MaskKeys returns a copy of input where the string values under keys are masked.
func MaskKeys(input map[string]any, keys ...string) map[string]any {
	if len(input) == 0 {
		return nil
	}
	sensitive := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		sensitive[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}

	out := make(map[string]any, len(input))
	for key, value := range input {
		if _, ok := sensitive[strings.ToLower(key)]; ok {
			if s, isString := value.(string); isString {
				out[key] = Mask(s)
				continue
			}
		}
		out[key] = value
	}
	return out
}
