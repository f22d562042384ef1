package domain

import (
	"github.com/shopspring/decimal"
)

// ValidateBalanced checks that lines are well formed and that debits equal
// credits to the cent.
func ValidateBalanced(lines []EntryLine) error {
	if len(lines) < 2 {
		return ErrInvalidEntryLines
	}
	debit, credit := Totals(lines)
	for _, line := range lines {
		if line.AccountCode == "" {
			return ErrInvalidAccount
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return ErrInvalidLineAmount
		}
		if line.Debit.IsZero() == line.Credit.IsZero() {
			return ErrInvalidLineAmount
		}
		if !line.Debit.Equal(line.Debit.Round(2)) || !line.Credit.Equal(line.Credit.Round(2)) {
			return ErrInvalidLineAmount
		}
	}
	if !debit.Equal(credit) {
		return ErrEntryNotBalanced
	}
	return nil
}

func Totals(lines []EntryLine) (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit
}
