package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/autocompta/internal/audit/domain"
	"github.com/smallbiznis/autocompta/internal/authctx"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/internal/chart"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/config"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	journaldomain "github.com/smallbiznis/autocompta/internal/journal/domain"
	"github.com/smallbiznis/autocompta/internal/notify"
	obsmetrics "github.com/smallbiznis/autocompta/internal/observability/metrics"
	perioddomain "github.com/smallbiznis/autocompta/internal/period/domain"
	"github.com/smallbiznis/autocompta/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	runBatchSize       = 500
	defaultListLimit   = 100
	maxListLimit       = 500
	candidatesPerTx    = 5
	maxRuleValueLength = 256
	auditTargetRule    = "reconciliation_rule"
	auditTargetBankTxn = "bank_transaction"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Bank       bankdomain.Repository
	Docs       docdomain.Repository
	Journal    journaldomain.Service
	Chart      *chart.Chart
	Automation *config.AutomationConfigHolder
	Clock      clock.Clock
	Guard      perioddomain.Guard  `optional:"true"`
	AuditSvc   auditdomain.Service `optional:"true"`
	Publisher  notify.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	bank       bankdomain.Repository
	docs       docdomain.Repository
	journal    journaldomain.Service
	chart      *chart.Chart
	automation *config.AutomationConfigHolder
	clock      clock.Clock
	guard      perioddomain.Guard
	auditSvc   auditdomain.Service
	publisher  notify.Publisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconciliation.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		bank:       p.Bank,
		docs:       p.Docs,
		journal:    p.Journal,
		chart:      p.Chart,
		automation: p.Automation,
		clock:      p.Clock,
		guard:      p.Guard,
		auditSvc:   p.AuditSvc,
		publisher:  p.Publisher,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateRule(ctx context.Context, actor authctx.Actor, req domain.CreateRuleRequest) (*domain.Rule, error) {
	if err := actor.Require(authctx.CapReconciliationRule); err != nil {
		return nil, err
	}
	rule := &domain.Rule{
		TenantID:  actor.TenantID,
		Name:      strings.TrimSpace(req.Name),
		Field:     domain.RuleField(strings.ToLower(strings.TrimSpace(string(req.Field)))),
		MatchType: domain.MatchType(strings.ToUpper(strings.TrimSpace(string(req.MatchType)))),
		Value:     strings.TrimSpace(req.Value),
		Action:    domain.RuleAction(strings.ToUpper(strings.TrimSpace(string(req.Action)))),
		Target:    strings.TrimSpace(req.Target),
		Priority:  req.Priority,
		Active:    true,
	}
	if !rule.Field.Valid() || !rule.MatchType.Valid() || !rule.Action.Valid() {
		return nil, domain.ErrInvalidRule
	}
	if rule.Value == "" || len(rule.Value) > maxRuleValueLength {
		return nil, domain.ErrInvalidRule
	}
	if err := rule.Compile(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRegex, err)
	}
	if rule.Name == "" {
		rule.Name = rule.Value
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.validateTarget(ctx, tx, actor.TenantID, rule); err != nil {
			return err
		}
		now := s.clock.Now()
		rule.ID = s.genID.Generate()
		rule.CreatedBy = actor.Ref()
		rule.CreatedAt = now
		rule.UpdatedAt = now
		if err := s.repo.CreateRule(ctx, tx, rule); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "reconciliation.rule_created", auditTargetRule, rule.ID.String(), map[string]any{
			"field":      string(rule.Field),
			"match_type": string(rule.MatchType),
			"action":     string(rule.Action),
			"target":     rule.Target,
			"priority":   rule.Priority,
		})
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *Service) validateTarget(ctx context.Context, db *gorm.DB, tenantID int64, rule *domain.Rule) error {
	switch rule.Action {
	case domain.ActionAssignAccount:
		if !s.chart.Has(rule.Target) {
			return fmt.Errorf("%w: account %q not in chart", domain.ErrInvalidRuleTarget, rule.Target)
		}
	case domain.ActionAssignJournal:
		if !s.chart.HasJournal(rule.Target) {
			return fmt.Errorf("%w: journal %q not in chart", domain.ErrInvalidRuleTarget, rule.Target)
		}
	case domain.ActionAssignDocument:
		id, err := snowflake.ParseString(rule.Target)
		if err != nil {
			return fmt.Errorf("%w: document id %q", domain.ErrInvalidRuleTarget, rule.Target)
		}
		if _, err := s.docs.FindByID(ctx, db, tenantID, id); err != nil {
			if errors.Is(err, docdomain.ErrNotFound) {
				return fmt.Errorf("%w: document %s not found", domain.ErrInvalidRuleTarget, rule.Target)
			}
			return err
		}
	}
	return nil
}

func (s *Service) DeleteRule(ctx context.Context, actor authctx.Actor, id snowflake.ID) error {
	if err := actor.Require(authctx.CapReconciliationRule); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rule, err := s.repo.FindRule(ctx, tx, actor.TenantID, id)
		if err != nil {
			return err
		}
		if err := s.repo.DeleteRule(ctx, tx, rule); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "reconciliation.rule_deleted", auditTargetRule, rule.ID.String(), map[string]any{
			"matches_count": rule.MatchesCount,
		})
	})
}

func (s *Service) ListRules(ctx context.Context, actor authctx.Actor) ([]domain.Rule, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return nil, err
	}
	return s.repo.ListRules(ctx, s.db, actor.TenantID, false)
}

func (s *Service) SetRuleActive(ctx context.Context, actor authctx.Actor, id snowflake.ID, active bool) (*domain.Rule, error) {
	if err := actor.Require(authctx.CapReconciliationRule); err != nil {
		return nil, err
	}
	var rule *domain.Rule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if rule, err = s.repo.FindRule(ctx, tx, actor.TenantID, id); err != nil {
			return err
		}
		if rule.Active == active {
			return nil
		}
		if err := s.repo.SetRuleActive(ctx, tx, rule, active); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "reconciliation.rule_updated", auditTargetRule, rule.ID.String(), map[string]any{
			"active": active,
		})
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// RunAuto applies rules then scoring to every unreconciled transaction of the
// tenant. Per-transaction failures are counted, never returned.
func (s *Service) RunAuto(ctx context.Context, actor authctx.Actor) (domain.RunSummary, error) {
	if err := actor.Require(authctx.CapReconciliationRun); err != nil {
		return domain.RunSummary{}, err
	}
	thresholds := s.automation.Get().For(actor.TenantID)

	rules, err := s.repo.ListRules(ctx, s.db, actor.TenantID, true)
	if err != nil {
		return domain.RunSummary{}, err
	}
	domain.SortRules(rules)
	txs, err := s.bank.ListUnreconciled(ctx, s.db, bankdomain.UnreconciledFilter{TenantID: actor.TenantID, Limit: runBatchSize})
	if err != nil {
		return domain.RunSummary{}, err
	}
	docs, err := s.repo.OpenDocuments(ctx, s.db, actor.TenantID)
	if err != nil {
		return domain.RunSummary{}, err
	}

	summary := domain.RunSummary{Scanned: len(txs)}
	for i := range txs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		tx := &txs[i]
		kind, err := s.autoOne(ctx, actor, tx, rules, &docs, thresholds)
		switch {
		case errors.Is(err, domain.ErrReconciliationConflict):
			summary.Conflicts++
		case errors.Is(err, perioddomain.ErrPeriodFrozen):
			summary.Frozen++
		case err != nil:
			summary.Errors++
			s.log.Warn("auto reconciliation failed",
				zap.String("transaction_id", tx.ID.String()),
				zap.Error(err),
			)
		case kind == outcomeRule:
			summary.Rule++
		case kind == outcomeAuto:
			summary.Auto++
		case kind == outcomeSuggested:
			summary.Suggested++
		}
	}
	s.log.Info("auto reconciliation finished",
		zap.Int64("tenant_id", actor.TenantID),
		zap.Int("scanned", summary.Scanned),
		zap.Int("auto", summary.Auto),
		zap.Int("rule", summary.Rule),
		zap.Int("suggested", summary.Suggested),
		zap.Int("conflicts", summary.Conflicts),
	)
	return summary, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeRule
	outcomeAuto
	outcomeSuggested
)

func (s *Service) autoOne(ctx context.Context, actor authctx.Actor, tx *bankdomain.BankTransaction, rules []domain.Rule, docs *[]docdomain.Document, thresholds config.Thresholds) (outcome, error) {
	if rule, ok := domain.FirstMatch(rules, *tx); ok {
		m := match{tx: tx, typ: domain.TypeRule, score: 100, rule: rule}
		if rule.Action == domain.ActionAssignDocument {
			doc, err := s.ruleDocument(ctx, tx.TenantID, rule)
			if err != nil {
				return outcomeNone, err
			}
			m.doc = doc
		}
		if _, err := s.commit(ctx, actor, m); err != nil {
			return outcomeNone, err
		}
		if m.doc != nil {
			dropIfPaid(docs, m.doc)
		}
		return outcomeRule, nil
	}

	candidates := domain.Rank(*tx, *docs, thresholds.Suggest)
	if len(candidates) == 0 {
		return outcomeNone, nil
	}
	top := candidates[0]
	if top.Score.Total < thresholds.AutoReconcile {
		return outcomeSuggested, nil
	}
	doc := findDocument(*docs, top.DocumentID)
	if doc == nil {
		return outcomeNone, nil
	}
	if _, err := s.commit(ctx, actor, match{tx: tx, doc: doc, typ: domain.TypeAuto, score: top.Score.Total}); err != nil {
		return outcomeNone, err
	}
	dropIfPaid(docs, doc)
	return outcomeAuto, nil
}

func (s *Service) ruleDocument(ctx context.Context, tenantID int64, rule *domain.Rule) (*docdomain.Document, error) {
	id, err := snowflake.ParseString(rule.Target)
	if err != nil {
		return nil, domain.ErrInvalidRuleTarget
	}
	doc, err := s.docs.FindByID(ctx, s.db, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !doc.Status.Booked() {
		return nil, domain.ErrDocumentNotReconcilable
	}
	return doc, nil
}

func (s *Service) ListUnreconciled(ctx context.Context, actor authctx.Actor, req domain.ListUnreconciledRequest) ([]domain.UnreconciledItem, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return nil, err
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	thresholds := s.automation.Get().For(actor.TenantID)

	txs, err := s.bank.ListUnreconciled(ctx, s.db, bankdomain.UnreconciledFilter{
		TenantID: actor.TenantID,
		From:     req.From,
		To:       req.To,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	docs, err := s.repo.OpenDocuments(ctx, s.db, actor.TenantID)
	if err != nil {
		return nil, err
	}

	items := make([]domain.UnreconciledItem, 0, len(txs))
	for _, tx := range txs {
		candidates := domain.Rank(tx, docs, thresholds.Suggest)
		if len(candidates) > candidatesPerTx {
			candidates = candidates[:candidatesPerTx]
		}
		if req.HasSuggestions != nil && *req.HasSuggestions != (len(candidates) > 0) {
			continue
		}
		items = append(items, domain.UnreconciledItem{Transaction: tx, Candidates: candidates})
	}
	return items, nil
}

func (s *Service) Reconcile(ctx context.Context, actor authctx.Actor, req domain.ReconcileRequest) (*domain.Reconciliation, error) {
	if err := actor.Require(authctx.CapReconciliationRun); err != nil {
		return nil, err
	}
	tx, err := s.bank.FindTransaction(ctx, s.db, actor.TenantID, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if tx.Reconciled() {
		return nil, domain.ErrReconciliationConflict
	}
	doc, err := s.docs.FindByID(ctx, s.db, actor.TenantID, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if !doc.Status.Booked() {
		return nil, domain.ErrDocumentNotReconcilable
	}
	if !strings.EqualFold(tx.Currency, doc.Currency) {
		return nil, domain.ErrCurrencyMismatch
	}
	return s.commit(ctx, actor, match{
		tx:    tx,
		doc:   doc,
		typ:   domain.TypeManual,
		score: domain.Score(*tx, *doc).Total,
		note:  strings.TrimSpace(req.Note),
	})
}

// Unreconcile clears the transaction pointer and stamps the association as
// reversed. Journal entries created by rules stay posted.
func (s *Service) Unreconcile(ctx context.Context, actor authctx.Actor, transactionID snowflake.ID) (*domain.Reconciliation, error) {
	if err := actor.Require(authctx.CapReconciliationRun); err != nil {
		return nil, err
	}
	var rec *domain.Reconciliation
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		tx, err := s.bank.FindTransaction(ctx, db, actor.TenantID, transactionID)
		if err != nil {
			return err
		}
		if err := s.ensureWritable(ctx, db, tx.TenantID, tx.BookedAt); err != nil {
			return err
		}
		if err := s.bank.DetachEntry(ctx, db, tx); err != nil {
			return err
		}
		if rec, err = s.repo.ActiveForTransaction(ctx, db, actor.TenantID, tx.ID); err != nil {
			return err
		}
		if err := s.repo.Reverse(ctx, db, rec, actor.Ref(), s.clock.Now()); err != nil {
			return err
		}
		if rec.DocumentID != nil {
			doc, err := s.docs.FindByID(ctx, db, actor.TenantID, *rec.DocumentID)
			if err != nil {
				return err
			}
			if err := s.refreshPaymentStatus(ctx, db, doc); err != nil {
				return err
			}
		}
		return s.audit(ctx, db, actor, "reconciliation.reversed", auditTargetBankTxn, tx.ID.String(), map[string]any{
			"reconciliation_id": rec.ID.String(),
			"entry_id":          rec.EntryID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) History(ctx context.Context, actor authctx.Actor, transactionID snowflake.ID) ([]domain.Reconciliation, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return nil, err
	}
	if _, err := s.bank.FindTransaction(ctx, s.db, actor.TenantID, transactionID); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, s.db, actor.TenantID, transactionID)
}

type match struct {
	tx    *bankdomain.BankTransaction
	doc   *docdomain.Document
	typ   domain.Type
	score float64
	rule  *domain.Rule
	note  string
}

// commit points the transaction at its entry and records the association in
// one DB transaction. The pointer update only succeeds while entry_id is
// NULL, so a transaction never settles two entries.
func (s *Service) commit(ctx context.Context, actor authctx.Actor, m match) (*domain.Reconciliation, error) {
	var rec *domain.Reconciliation
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := s.ensureWritable(ctx, db, m.tx.TenantID, m.tx.BookedAt); err != nil {
			return err
		}
		entryID, err := s.entryFor(ctx, db, actor, m)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if err := s.bank.AttachEntry(ctx, db, m.tx, entryID, now); err != nil {
			if errors.Is(err, bankdomain.ErrAlreadyReconciled) {
				return domain.ErrReconciliationConflict
			}
			return err
		}

		rec = &domain.Reconciliation{
			ID:            s.genID.Generate(),
			TenantID:      m.tx.TenantID,
			TransactionID: m.tx.ID,
			EntryID:       entryID,
			Type:          m.typ,
			Score:         m.score,
			Amount:        m.tx.Amount.Abs(),
			Note:          m.note,
			CreatedBy:     actor.Ref(),
			CreatedAt:     now,
		}
		if m.doc != nil {
			rec.DocumentID = &m.doc.ID
		}
		if m.rule != nil {
			rec.RuleID = &m.rule.ID
			if err := s.repo.IncrementMatches(ctx, db, m.rule.TenantID, m.rule.ID); err != nil {
				return err
			}
		}
		if err := s.repo.Insert(ctx, db, rec); err != nil {
			return err
		}
		if m.doc != nil {
			if err := s.refreshPaymentStatus(ctx, db, m.doc); err != nil {
				return err
			}
		}
		metadata := map[string]any{
			"type":     string(rec.Type),
			"score":    rec.Score,
			"entry_id": entryID.String(),
		}
		if rec.DocumentID != nil {
			metadata["document_id"] = rec.DocumentID.String()
		}
		if rec.RuleID != nil {
			metadata["rule_id"] = rec.RuleID.String()
		}
		return s.audit(ctx, db, actor, "reconciliation.created", auditTargetBankTxn, m.tx.ID.String(), metadata)
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordReconciliation(ctx, string(rec.Type))
	data := map[string]any{
		"transaction_id": rec.TransactionID.String(),
		"entry_id":       rec.EntryID.String(),
		"type":           string(rec.Type),
		"score":          rec.Score,
	}
	if rec.DocumentID != nil {
		data["document_id"] = rec.DocumentID.String()
	}
	notify.Safe(ctx, s.publisher, s.log, notify.Event{
		Type:     notify.TypeReconciliationMatch,
		TenantID: rec.TenantID,
		Subject:  rec.ID.String(),
		Data:     data,
		Time:     rec.CreatedAt,
	})
	return rec, nil
}

func (s *Service) entryFor(ctx context.Context, db *gorm.DB, actor authctx.Actor, m match) (snowflake.ID, error) {
	if m.doc != nil {
		entry, err := s.journal.FindForDocument(ctx, db, m.doc.TenantID, m.doc.ID)
		if errors.Is(err, journaldomain.ErrEntryNotFound) {
			return 0, domain.ErrDocumentNotReconcilable
		}
		if err != nil {
			return 0, err
		}
		return entry.ID, nil
	}
	if m.rule == nil {
		return 0, domain.ErrDocumentNotReconcilable
	}

	req := journaldomain.BankRuleEntryRequest{
		TransactionID: m.tx.ID,
		Amount:        m.tx.Amount,
		Currency:      m.tx.Currency,
		BookedAt:      m.tx.BookedAt,
		Label:         m.tx.Label,
	}
	switch m.rule.Action {
	case domain.ActionAssignAccount:
		req.Account = m.rule.Target
	case domain.ActionAssignJournal:
		req.Account = s.chart.Defaults.Suspense
		req.Journal = m.rule.Target
	default:
		return 0, domain.ErrInvalidRuleTarget
	}
	entry, err := s.journal.CreateForBankRule(ctx, db, actor, req)
	if err != nil {
		return 0, err
	}
	return entry.ID, nil
}

func (s *Service) refreshPaymentStatus(ctx context.Context, db *gorm.DB, doc *docdomain.Document) error {
	settled, err := s.repo.SettledAmount(ctx, db, doc.TenantID, doc.ID)
	if err != nil {
		return err
	}
	status := domain.PaymentStatus(doc.TotalAmount.Decimal, settled)
	if status == doc.PaymentStatus {
		return nil
	}
	if err := s.docs.SetPaymentStatus(ctx, db, doc.TenantID, doc.ID, status); err != nil {
		return err
	}
	doc.PaymentStatus = status
	return nil
}

func dropIfPaid(docs *[]docdomain.Document, doc *docdomain.Document) {
	if doc.PaymentStatus != docdomain.PaymentPaid {
		return
	}
	id := doc.ID
	out := (*docs)[:0]
	for _, d := range *docs {
		if d.ID != id {
			out = append(out, d)
		}
	}
	*docs = out
}

func (s *Service) ensureWritable(ctx context.Context, db *gorm.DB, tenantID int64, date time.Time) error {
	if s.guard == nil {
		return nil
	}
	return s.guard.EnsureWritable(ctx, db, tenantID, date)
}

func (s *Service) audit(ctx context.Context, db *gorm.DB, actor authctx.Actor, action, targetType, targetID string, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	return s.auditSvc.AuditLog(ctx, db, actor, action, targetType, targetID, metadata)
}

func findDocument(docs []docdomain.Document, id snowflake.ID) *docdomain.Document {
	for i := range docs {
		if docs[i].ID == id {
			return &docs[i]
		}
	}
	return nil
}
