package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Suggestion is an optional classification output. An absent suggestion is
// stored as NULL and never confused with an empty code.
type Suggestion struct {
	value string
	ok    bool
}

func Suggest(value string) Suggestion {
	value = strings.TrimSpace(value)
	return Suggestion{value: value, ok: value != ""}
}

func NoSuggestion() Suggestion {
	return Suggestion{}
}

func (s Suggestion) Get() (string, bool) {
	return s.value, s.ok
}

func (s Suggestion) OrElse(fallback string) string {
	if s.ok {
		return s.value
	}
	return fallback
}

func (s Suggestion) String() string {
	if !s.ok {
		return "<none>"
	}
	return s.value
}

func (s Suggestion) Value() (driver.Value, error) {
	if !s.ok {
		return nil, nil
	}
	return s.value, nil
}

func (s *Suggestion) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = NoSuggestion()
	case string:
		*s = Suggest(v)
	case []byte:
		*s = Suggest(string(v))
	default:
		return fmt.Errorf("suggestion: unsupported type %T", src)
	}
	return nil
}

func (s Suggestion) MarshalJSON() ([]byte, error) {
	if !s.ok {
		return []byte("null"), nil
	}
	return json.Marshal(s.value)
}

func (s *Suggestion) UnmarshalJSON(data []byte) error {
	var v *string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v == nil {
		*s = NoSuggestion()
		return nil
	}
	*s = Suggest(*v)
	return nil
}
