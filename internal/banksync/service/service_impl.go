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
	"github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/internal/banksync/providers"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/config"
	"github.com/smallbiznis/autocompta/internal/notify"
	obsmetrics "github.com/smallbiznis/autocompta/internal/observability/metrics"
	"github.com/smallbiznis/autocompta/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultOverlapDays   = 3
	defaultLockTTL       = 5 * time.Minute
	initialHistoryWindow = 90 * 24 * time.Hour
	syncAllConcurrency   = 4
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Registry   *providers.Registry
	Locker     domain.Locker
	Clock      clock.Clock
	Cfg        config.Config          `optional:"true"`
	AuditSvc   auditdomain.Service    `optional:"true"`
	Publisher  notify.Publisher       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics    `optional:"true"`
	JobMetrics *obsmetrics.JobMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	registry   *providers.Registry
	locker     domain.Locker
	clock      clock.Clock
	auditSvc   auditdomain.Service
	publisher  notify.Publisher
	obsMetrics *obsmetrics.Metrics
	jobMetrics *obsmetrics.JobMetrics

	overlap time.Duration
	lockTTL time.Duration
}

func NewService(p Params) domain.Service {
	overlapDays := p.Cfg.Bank.SyncOverlapDays
	if overlapDays <= 0 {
		overlapDays = defaultOverlapDays
	}
	lockTTL := p.Cfg.Bank.SyncLockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("banksync.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		registry:   p.Registry,
		locker:     p.Locker,
		clock:      p.Clock,
		auditSvc:   p.AuditSvc,
		publisher:  p.Publisher,
		obsMetrics: p.ObsMetrics,
		jobMetrics: p.JobMetrics,
		overlap:    time.Duration(overlapDays) * 24 * time.Hour,
		lockTTL:    lockTTL,
	}
}

func (s *Service) Connect(ctx context.Context, actor authctx.Actor, req domain.ConnectRequest) (*domain.BankConnection, error) {
	if err := actor.Require(authctx.CapBankManage); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.InstitutionID) == "" {
		return nil, domain.ErrInvalidInstitution
	}
	provider, err := s.registry.Provider(req.Provider)
	if err != nil {
		return nil, err
	}
	consent, err := provider.Connect(ctx, req.InstitutionID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	expires := consent.ExpiresAt
	conn := &domain.BankConnection{
		ID:               s.genID.Generate(),
		TenantID:         actor.TenantID,
		Provider:         provider.Name(),
		ExternalRef:      consent.ExternalRef,
		InstitutionName:  consent.InstitutionName,
		Status:           domain.ConnectionActive,
		ConsentExpiresAt: &expires,
		CreatedBy:        actor.Ref(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateConnection(ctx, tx, conn); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "bank.connection_created", conn.ID, map[string]any{
			"provider":     conn.Provider,
			"institution":  conn.InstitutionName,
			"external_ref": conn.ExternalRef,
		})
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Service) RenewConsent(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*domain.BankConnection, error) {
	if err := actor.Require(authctx.CapBankManage); err != nil {
		return nil, err
	}
	conn, err := s.repo.FindConnection(ctx, s.db, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	provider, err := s.registry.Provider(conn.Provider)
	if err != nil {
		return nil, err
	}
	consent, err := provider.RenewConsent(ctx, conn.ExternalRef)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateConnection(ctx, tx, conn, map[string]any{
			"status":             domain.ConnectionActive,
			"consent_expires_at": consent.ExpiresAt,
			"last_error":         "",
		}); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "bank.consent_renewed", conn.ID, map[string]any{
			"consent_expires_at": consent.ExpiresAt.Format(time.RFC3339),
			"external_ref":       consent.ExternalRef,
		})
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Disconnect soft deletes the connection. Imported transactions are kept.
func (s *Service) Disconnect(ctx context.Context, actor authctx.Actor, id snowflake.ID) error {
	if err := actor.Require(authctx.CapBankManage); err != nil {
		return err
	}
	conn, err := s.repo.FindConnection(ctx, s.db, actor.TenantID, id)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.DeleteConnection(ctx, tx, conn); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "bank.connection_disconnected", conn.ID, map[string]any{
			"provider": conn.Provider,
		})
	})
}

func (s *Service) ListConnections(ctx context.Context, actor authctx.Actor) ([]domain.BankConnection, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return nil, err
	}
	return s.repo.ListConnections(ctx, s.db, actor.TenantID)
}

func (s *Service) ListAccounts(ctx context.Context, actor authctx.Actor, connectionID snowflake.ID) ([]domain.BankAccount, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return nil, err
	}
	if _, err := s.repo.FindConnection(ctx, s.db, actor.TenantID, connectionID); err != nil {
		return nil, err
	}
	return s.repo.ListAccounts(ctx, s.db, actor.TenantID, connectionID)
}

func (s *Service) ListSessions(ctx context.Context, actor authctx.Actor, connectionID snowflake.ID, req domain.ListSessionsRequest) (domain.ListSessionsResponse, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return domain.ListSessionsResponse{}, err
	}
	if _, err := s.repo.FindConnection(ctx, s.db.Unscoped(), actor.TenantID, connectionID); err != nil {
		return domain.ListSessionsResponse{}, err
	}
	sessions, err := s.repo.ListSessions(ctx, s.db, actor.TenantID, connectionID, req.Pagination)
	if err != nil {
		return domain.ListSessionsResponse{}, err
	}
	sessions, pageInfo, err := pagination.Page(sessions, req.Pagination, func(ss domain.SyncSession) pagination.Cursor {
		return pagination.Cursor{ID: int64(ss.ID), CreatedAt: ss.CreatedAt}
	})
	if err != nil {
		return domain.ListSessionsResponse{}, err
	}
	return domain.ListSessionsResponse{PageInfo: pageInfo, Sessions: sessions}, nil
}

func (s *Service) Sync(ctx context.Context, actor authctx.Actor, connectionID snowflake.ID) (*domain.SyncSession, error) {
	if err := actor.Require(authctx.CapBankSync); err != nil {
		return nil, err
	}
	conn, err := s.repo.FindConnection(ctx, s.db, actor.TenantID, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status == domain.ConnectionPending {
		return nil, domain.ErrConnectionInactive
	}
	return s.syncConnection(ctx, actor, conn)
}

// SyncAll runs one session per syncable connection. A failing connection
// never cancels its siblings.
func (s *Service) SyncAll(ctx context.Context, actor authctx.Actor) (domain.SyncSummary, error) {
	if err := actor.Require(authctx.CapBankSync); err != nil {
		return domain.SyncSummary{}, err
	}
	conns, err := s.repo.ListSyncable(ctx, s.db, actor.TenantID)
	if err != nil {
		return domain.SyncSummary{}, err
	}

	type result struct {
		session *domain.SyncSession
		err     error
	}
	results := make([]result, len(conns))
	var g errgroup.Group
	g.SetLimit(syncAllConcurrency)
	for i := range conns {
		conn := conns[i]
		g.Go(func() error {
			session, err := s.syncConnection(ctx, actor, &conn)
			results[i] = result{session: session, err: err}
			return nil
		})
	}
	_ = g.Wait()

	summary := domain.SyncSummary{Total: len(conns), Sessions: make([]domain.SyncSession, 0, len(conns))}
	for _, r := range results {
		switch {
		case errors.Is(r.err, domain.ErrSyncInProgress):
			summary.Skipped++
			continue
		case r.err != nil:
			summary.Failed++
		default:
			summary.Succeeded++
		}
		if r.session != nil {
			summary.Sessions = append(summary.Sessions, *r.session)
		}
	}
	return summary, nil
}

func (s *Service) syncConnection(ctx context.Context, actor authctx.Actor, conn *domain.BankConnection) (*domain.SyncSession, error) {
	lease, err := s.locker.Obtain(ctx, lockKey(conn.ID), s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release sync lock", zap.String("connection_id", conn.ID.String()), zap.Error(err))
		}
	}()
	parent := ctx
	ctx, stop := s.keepLease(ctx, lease, conn.ID)
	defer stop()

	// the watermark may have moved while waiting for the lease
	conn, err = s.repo.FindConnection(ctx, s.db, conn.TenantID, conn.ID)
	if err != nil {
		return nil, err
	}

	started := s.clock.Now()
	since := s.since(conn, started)
	trigger := domain.TriggerManual
	if actor.Type == authctx.ActorSystem {
		trigger = domain.TriggerScheduled
	}
	session := &domain.SyncSession{
		ID:           s.genID.Generate(),
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		Trigger:      trigger,
		Status:       domain.SessionRunning,
		Since:        &since,
		StartedBy:    actor.Ref(),
		CreatedAt:    started,
	}
	if err := s.repo.CreateSession(ctx, s.db, session); err != nil {
		return nil, err
	}

	if conn.ConsentExpired(started) {
		return s.fail(parent, conn, session, started, domain.ErrConsentExpired)
	}
	provider, err := s.registry.Provider(conn.Provider)
	if err != nil {
		return s.fail(parent, conn, session, started, err)
	}
	accounts, err := provider.Accounts(ctx, conn.ExternalRef)
	if err != nil {
		return s.fail(parent, conn, session, started, leaseCause(ctx, err))
	}
	txs, err := provider.Transactions(ctx, conn.ExternalRef, since)
	if err != nil {
		return s.fail(parent, conn, session, started, leaseCause(ctx, err))
	}
	session.Fetched = len(txs)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		accountIDs, err := s.storeAccounts(ctx, tx, conn, accounts)
		if err != nil {
			return err
		}
		for _, ptx := range txs {
			accountID, ok := accountIDs[ptx.AccountID]
			if !ok {
				return fmt.Errorf("%w: transaction %s on unknown account %s", domain.ErrInvalidProviderResponse, ptx.ID, ptx.AccountID)
			}
			row := &domain.BankTransaction{
				ID:                    s.genID.Generate(),
				TenantID:              conn.TenantID,
				ConnectionID:          conn.ID,
				AccountID:             accountID,
				ProviderTransactionID: ptx.ID,
				BookedAt:              ptx.BookedAt.UTC(),
				ValueDate:             ptx.ValueDate,
				Amount:                ptx.Amount.Round(2),
				Currency:              currencyOr(ptx.Currency, "EUR"),
				Label:                 strings.TrimSpace(ptx.Label),
				Counterparty:          strings.TrimSpace(ptx.Counterparty),
				Reference:             strings.TrimSpace(ptx.Reference),
				Version:               1,
				CreatedAt:             started,
			}
			inserted, err := s.repo.InsertTransaction(ctx, tx, row)
			if err != nil {
				return err
			}
			if inserted {
				session.Inserted++
			}
		}
		session.Accounts = len(accounts)

		if err := s.repo.UpdateConnection(ctx, tx, conn, map[string]any{
			"status":         domain.ConnectionActive,
			"synced_through": started,
			"last_error":     "",
		}); err != nil {
			return err
		}
		finished := s.clock.Now()
		session.Status = domain.SessionSuccess
		session.FinishedAt = &finished
		return s.repo.FinishSession(ctx, tx, session)
	})
	if err != nil {
		session.Status = domain.SessionRunning
		session.FinishedAt = nil
		return s.fail(parent, conn, session, started, leaseCause(ctx, err))
	}

	s.jobMetrics.IncSyncSession(conn.Provider, string(domain.SessionSuccess))
	s.jobMetrics.ObserveSyncDuration(conn.Provider, s.clock.Now().Sub(started))
	s.obsMetrics.RecordBankImport(ctx, conn.Provider, session.Inserted)
	s.log.Info("bank sync finished",
		zap.String("connection_id", conn.ID.String()),
		zap.String("session_id", session.ID.String()),
		zap.Int("fetched", session.Fetched),
		zap.Int("inserted", session.Inserted),
	)
	notify.Safe(ctx, s.publisher, s.log, notify.Event{
		Type:     notify.TypeBankSyncCompleted,
		TenantID: conn.TenantID,
		Subject:  conn.ID.String(),
		Data: map[string]any{
			"session_id": session.ID.String(),
			"fetched":    session.Fetched,
			"inserted":   session.Inserted,
		},
		Time: s.clock.Now(),
	})
	return session, nil
}

// keepLease refreshes the lease every third of its TTL for as long as the
// session runs. The returned context is cancelled with ErrLockLost when a
// refresh fails, so a session never outlives its lease.
func (s *Service) keepLease(ctx context.Context, lease domain.Lock, connID snowflake.ID) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	interval := s.lockTTL / 3
	if interval <= 0 {
		interval = s.lockTTL
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Refresh(ctx, s.lockTTL); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.log.Warn("sync lock lost", zap.String("connection_id", connID.String()), zap.Error(err))
					if !errors.Is(err, domain.ErrLockLost) {
						err = fmt.Errorf("%w: %v", domain.ErrLockLost, err)
					}
					cancel(err)
					return
				}
			}
		}
	}()
	return ctx, func() {
		close(done)
		cancel(nil)
	}
}

// leaseCause reports a lost lease instead of the cancellation it caused.
func leaseCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, domain.ErrLockLost) {
		return cause
	}
	return err
}

func (s *Service) storeAccounts(ctx context.Context, tx *gorm.DB, conn *domain.BankConnection, accounts []domain.ProviderAccount) (map[string]snowflake.ID, error) {
	existing, err := s.repo.ListAccounts(ctx, tx, conn.TenantID, conn.ID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]snowflake.ID, len(existing)+len(accounts))
	for _, a := range existing {
		ids[a.ProviderAccountID] = a.ID
	}
	for _, pa := range accounts {
		balanceAt := pa.BalanceAt
		account := &domain.BankAccount{
			ID:                s.genID.Generate(),
			TenantID:          conn.TenantID,
			ConnectionID:      conn.ID,
			ProviderAccountID: pa.ID,
			Name:              pa.Name,
			IBAN:              pa.IBAN,
			Currency:          currencyOr(pa.Currency, "EUR"),
			Balance:           pa.Balance.Round(2),
			BalanceAt:         &balanceAt,
		}
		if err := s.repo.UpsertAccount(ctx, tx, account); err != nil {
			return nil, err
		}
		ids[pa.ID] = account.ID
	}
	return ids, nil
}

// fail closes the session as FAILED and records the cause on the connection.
// Writes survive a cancelled request so no session stays RUNNING.
func (s *Service) fail(ctx context.Context, conn *domain.BankConnection, session *domain.SyncSession, started time.Time, cause error) (*domain.SyncSession, error) {
	writeCtx := context.WithoutCancel(ctx)
	status := domain.ConnectionError
	if errors.Is(cause, domain.ErrConsentExpired) {
		status = domain.ConnectionExpired
	}
	if err := s.repo.UpdateConnection(writeCtx, s.db, conn, map[string]any{
		"status":     status,
		"last_error": cause.Error(),
	}); err != nil {
		s.log.Error("record sync failure on connection", zap.String("connection_id", conn.ID.String()), zap.Error(err))
	}

	finished := s.clock.Now()
	session.Status = domain.SessionFailed
	session.Inserted = 0
	session.Accounts = 0
	session.ErrorCode = errorCode(cause)
	session.ErrorDetail = cause.Error()
	session.FinishedAt = &finished
	if err := s.repo.FinishSession(writeCtx, s.db, session); err != nil {
		s.log.Error("finish failed sync session", zap.String("session_id", session.ID.String()), zap.Error(err))
	}

	s.jobMetrics.IncSyncSession(conn.Provider, string(domain.SessionFailed))
	s.jobMetrics.ObserveSyncDuration(conn.Provider, finished.Sub(started))
	s.log.Warn("bank sync failed",
		zap.String("connection_id", conn.ID.String()),
		zap.String("session_id", session.ID.String()),
		zap.String("error_code", session.ErrorCode),
		zap.Error(cause),
	)
	notify.Safe(ctx, s.publisher, s.log, notify.Event{
		Type:     notify.TypeBankSyncFailed,
		TenantID: conn.TenantID,
		Subject:  conn.ID.String(),
		Data: map[string]any{
			"session_id": session.ID.String(),
			"error_code": session.ErrorCode,
		},
		Time: finished,
	})
	return session, cause
}

// since is the watermark minus the overlap window, or the initial history window.
func (s *Service) since(conn *domain.BankConnection, now time.Time) time.Time {
	if conn.SyncedThrough == nil {
		return truncateDay(now.Add(-initialHistoryWindow))
	}
	return truncateDay(conn.SyncedThrough.Add(-s.overlap))
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, actor authctx.Actor, action string, connID snowflake.ID, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	return s.auditSvc.AuditLog(ctx, tx, actor, action, "bank_connection", connID.String(), metadata)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrConsentExpired):
		return "consent_expired"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, domain.ErrInvalidProviderResponse):
		return "invalid_provider_response"
	case errors.Is(err, domain.ErrLockLost):
		return "lock_lost"
	case errors.Is(err, domain.ErrProviderNotFound), errors.Is(err, domain.ErrInvalidProviderConfig):
		return "provider_not_configured"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

func lockKey(connectionID snowflake.ID) string {
	return "autocompta:bank-sync:" + connectionID.String()
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func currencyOr(c, fallback string) string {
	if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
		return c
	}
	return fallback
}
