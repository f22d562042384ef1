package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/autocompta/internal/audit/domain"
	"github.com/smallbiznis/autocompta/internal/authctx"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/internal/clock"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/internal/notify"
	"github.com/smallbiznis/autocompta/internal/period/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	pendingStatuses  = []docdomain.Status{docdomain.StatusPendingValidation}
	inFlightStatuses = []docdomain.Status{
		docdomain.StatusReceived,
		docdomain.StatusProcessing,
		docdomain.StatusAnalyzed,
		docdomain.StatusValidated,
	}
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	Docs      docdomain.Repository
	Bank      bankdomain.Repository
	Clock     clock.Clock
	AuditSvc  auditdomain.Service `optional:"true"`
	Publisher notify.Publisher    `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	docs      docdomain.Repository
	bank      bankdomain.Repository
	clock     clock.Clock
	auditSvc  auditdomain.Service
	publisher notify.Publisher
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("period.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		docs:      p.Docs,
		bank:      p.Bank,
		clock:     p.Clock,
		auditSvc:  p.AuditSvc,
		publisher: p.Publisher,
	}
}

func (s *Service) Open(ctx context.Context, actor authctx.Actor, req domain.OpenRequest) (*domain.Period, error) {
	if err := actor.Require(authctx.CapPeriodManage); err != nil {
		return nil, err
	}
	if req.Year < 2000 || req.Year > 2100 || req.Month < 1 || req.Month > 12 {
		return nil, domain.ErrInvalidPeriod
	}
	start := time.Date(req.Year, time.Month(req.Month), 1, 0, 0, 0, 0, time.UTC)
	now := s.clock.Now()
	period := &domain.Period{
		ID:        s.genID.Generate(),
		TenantID:  actor.TenantID,
		Label:     fmt.Sprintf("%04d-%02d", req.Year, req.Month),
		StartDate: start,
		EndDate:   start.AddDate(0, 1, 0),
		Status:    domain.StatusOpen,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Create(ctx, tx, period); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "period.opened", period, nil)
	})
	if err != nil {
		return nil, err
	}
	return period, nil
}

func (s *Service) Get(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*domain.Period, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, s.db, actor.TenantID, id)
}

func (s *Service) List(ctx context.Context, actor authctx.Actor) ([]domain.Period, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, s.db, actor.TenantID)
}

func (s *Service) RequestCertification(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*domain.Period, error) {
	if err := actor.Require(authctx.CapPeriodManage); err != nil {
		return nil, err
	}
	return s.move(ctx, actor, id, domain.StatusOpen, domain.StatusPendingCertification, "period.certification_requested")
}

func (s *Service) Reopen(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*domain.Period, error) {
	if err := actor.Require(authctx.CapPeriodManage); err != nil {
		return nil, err
	}
	return s.move(ctx, actor, id, domain.StatusPendingCertification, domain.StatusOpen, "period.reopened")
}

func (s *Service) move(ctx context.Context, actor authctx.Actor, id snowflake.ID, from, to domain.Status, action string) (*domain.Period, error) {
	var period *domain.Period
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if period, err = s.repo.FindByID(ctx, tx, actor.TenantID, id); err != nil {
			return err
		}
		if err := s.repo.Transition(ctx, tx, period, domain.TransitionUpdate{From: from, To: to}); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, action, period, map[string]any{"from": string(from), "to": string(to)})
	})
	if err != nil {
		return nil, err
	}
	return period, nil
}

// Certify moves an OPEN period to PENDING_CERTIFICATION first, so the
// request is recorded even when blocking items remain. CERTIFIED is final.
func (s *Service) Certify(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*domain.Period, error) {
	if err := actor.Require(authctx.CapPeriodCertify); err != nil {
		return nil, err
	}
	period, err := s.repo.FindByID(ctx, s.db, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	switch period.Status {
	case domain.StatusCertified:
		return nil, domain.ErrInvalidTransition
	case domain.StatusOpen:
		if period, err = s.move(ctx, actor, id, domain.StatusOpen, domain.StatusPendingCertification, "period.certification_requested"); err != nil {
			return nil, err
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		blocking, err := s.blocking(ctx, tx, period)
		if err != nil {
			return err
		}
		if blocking.Blocking() {
			return blocking
		}
		now := s.clock.Now()
		if err := s.repo.Transition(ctx, tx, period, domain.TransitionUpdate{
			From: domain.StatusPendingCertification,
			To:   domain.StatusCertified,
			Columns: map[string]any{
				"certified_at": now,
				"certified_by": actor.Ref(),
			},
		}); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "period.certified", period, nil)
	})
	if err != nil {
		if blocking, ok := domain.AsCertificationInvariantError(err); ok {
			s.log.Info("period certification blocked",
				zap.String("period_id", period.ID.String()),
				zap.String("label", period.Label),
				zap.Int64("pending_validation", blocking.PendingValidation),
				zap.Int64("in_flight", blocking.InFlight),
				zap.Int64("unreconciled", blocking.Unreconciled),
			)
		}
		return nil, err
	}

	notify.Safe(ctx, s.publisher, s.log, notify.Event{
		Type:     notify.TypePeriodCertified,
		TenantID: period.TenantID,
		Subject:  period.ID.String(),
		Data:     map[string]any{"label": period.Label},
		Time:     s.clock.Now(),
	})
	return period, nil
}

func (s *Service) Blocking(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*domain.CertificationInvariantError, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return nil, err
	}
	period, err := s.repo.FindByID(ctx, s.db, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	return s.blocking(ctx, s.db, period)
}

func (s *Service) blocking(ctx context.Context, db *gorm.DB, period *domain.Period) (*domain.CertificationInvariantError, error) {
	pending, err := s.docs.CountDated(ctx, db, period.TenantID, pendingStatuses, period.StartDate, period.EndDate)
	if err != nil {
		return nil, err
	}
	inFlight, err := s.docs.CountDated(ctx, db, period.TenantID, inFlightStatuses, period.StartDate, period.EndDate)
	if err != nil {
		return nil, err
	}
	unreconciled, err := s.bank.CountUnreconciled(ctx, db, period.TenantID, period.StartDate, period.EndDate)
	if err != nil {
		return nil, err
	}
	return &domain.CertificationInvariantError{
		PendingValidation: pending,
		InFlight:          inFlight,
		Unreconciled:      unreconciled,
	}, nil
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, actor authctx.Actor, action string, period *domain.Period, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["label"] = period.Label
	return s.auditSvc.AuditLog(ctx, tx, actor, action, "period", period.ID.String(), metadata)
}

// Guard answers whether a date may still be written to.
type Guard struct {
	repo domain.Repository
}

func NewGuard(repo domain.Repository) domain.Guard {
	return &Guard{repo: repo}
}

func (g *Guard) EnsureWritable(ctx context.Context, db *gorm.DB, tenantID int64, date time.Time) error {
	if date.IsZero() {
		return nil
	}
	period, ok, err := g.repo.CertifiedContaining(ctx, db, tenantID, date)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", domain.ErrPeriodFrozen, period.Label)
	}
	return nil
}
