package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/autocompta/internal/reconciliation/domain"
	validationdomain "github.com/smallbiznis/autocompta/internal/validation/domain"
	"gorm.io/gorm"
)

// RuleLookup exposes the account that counterparty rules assign, so the
// router can flag documents booked elsewhere.
type RuleLookup struct {
	repo domain.Repository
}

func NewRuleLookup(repo domain.Repository) validationdomain.RuleAccountLookup {
	return &RuleLookup{repo: repo}
}

func (l *RuleLookup) AccountForCounterparty(ctx context.Context, db *gorm.DB, tenantID int64, counterparty string) (string, bool, error) {
	if strings.TrimSpace(counterparty) == "" {
		return "", false, nil
	}
	rules, err := l.repo.ListRules(ctx, db, tenantID, true)
	if err != nil {
		return "", false, err
	}
	domain.SortRules(rules)
	for i := range rules {
		rule := &rules[i]
		if rule.Action == domain.ActionAssignAccount && rule.MatchesCounterparty(counterparty) {
			return rule.Target, true, nil
		}
	}
	return "", false, nil
}
