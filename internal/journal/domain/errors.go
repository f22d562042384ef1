package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEntryNotFound        = errors.New("entry_not_found")
	ErrEntryNotBalanced     = errors.New("entry_not_balanced")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidTaxCode       = errors.New("invalid_tax_code")
	ErrInvalidJournal       = errors.New("invalid_journal")
	ErrEntryAlreadyPosted   = errors.New("entry_already_posted")
	ErrDocumentNotBookable  = errors.New("document_not_bookable")
	ErrInvalidSourceID      = errors.New("invalid_source_id")
	ErrInvalidEntryCurrency = errors.New("invalid_entry_currency")
)

// UnbalanceableEntryError lists what is missing to build a balanced entry.
// The document goes back to the validation queue.
type UnbalanceableEntryError struct {
	Missing []string
}

func (e *UnbalanceableEntryError) Error() string {
	return fmt.Sprintf("entry cannot be balanced, missing: %s", strings.Join(e.Missing, ", "))
}

func AsUnbalanceable(err error) (*UnbalanceableEntryError, bool) {
	var target *UnbalanceableEntryError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
