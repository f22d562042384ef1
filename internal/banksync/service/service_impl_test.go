package service

import (
	"context"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/autocompta/internal/audit/domain"
	auditrepo "github.com/smallbiznis/autocompta/internal/audit/repository"
	auditservice "github.com/smallbiznis/autocompta/internal/audit/service"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/internal/banksync/lock"
	"github.com/smallbiznis/autocompta/internal/banksync/providers"
	"github.com/smallbiznis/autocompta/internal/banksync/providers/sandbox"
	"github.com/smallbiznis/autocompta/internal/banksync/repository"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/notify"
	"github.com/smallbiznis/autocompta/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type staticFactory struct {
	provider domain.Provider
}

func (f staticFactory) Provider() string { return sandbox.ProviderName }

func (f staticFactory) NewProvider() (domain.Provider, error) { return f.provider, nil }

type testEnv struct {
	db      *gorm.DB
	svc     domain.Service
	repo    domain.Repository
	clock   *clock.FakeClock
	sandbox *sandbox.Provider
	locker  *lock.LocalLocker
	events  *notify.Recorder
	actor   authctx.Actor
}

// gatedProvider serves the sandbox data. Transactions fails for the refs in
// failing and, when gated, waits for release or the end of ctx.
type gatedProvider struct {
	domain.Provider
	failing map[string]error
	entered chan struct{}
	release chan struct{}
}

func (p *gatedProvider) Transactions(ctx context.Context, externalRef string, since time.Time) ([]domain.ProviderTransaction, error) {
	if err, ok := p.failing[externalRef]; ok {
		return nil, err
	}
	if p.release != nil {
		select {
		case p.entered <- struct{}{}:
		default:
		}
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.Provider.Transactions(ctx, externalRef, since)
}

// lossyLocker hands out leases that cannot be refreshed.
type lossyLocker struct{}

func (lossyLocker) Obtain(context.Context, string, time.Duration) (domain.Lock, error) {
	return lossyLease{}, nil
}

type lossyLease struct{}

func (lossyLease) Refresh(context.Context, time.Duration) error { return domain.ErrLockLost }

func (lossyLease) Release(context.Context) error { return nil }

type envOption func(*Params, *sandbox.Provider)

func withLockTTL(ttl time.Duration) envOption {
	return func(p *Params, _ *sandbox.Provider) { p.Cfg.Bank.SyncLockTTL = ttl }
}

func withLocker(l domain.Locker) envOption {
	return func(p *Params, _ *sandbox.Provider) { p.Locker = l }
}

func withProvider(g *gatedProvider) envOption {
	return func(p *Params, sp *sandbox.Provider) {
		g.Provider = sp
		p.Registry = providers.NewRegistry(staticFactory{provider: g})
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	models := append([]any{}, domain.Models()...)
	models = append(models, &auditdomain.AuditLog{})
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)
	log := zap.NewNop()

	clk := clock.NewFakeClock(time.Date(2025, 3, 22, 6, 0, 0, 0, time.UTC))
	fixture, err := sandbox.ParseFixture(nil)
	require.NoError(t, err)
	provider := sandbox.New(fixture, clk)
	locker := lock.NewLocalLocker()
	events := &notify.Recorder{}
	repo := repository.Provide(clk)

	params := Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Repo:      repo,
		Registry:  providers.NewRegistry(staticFactory{provider: provider}),
		Locker:    locker,
		Clock:     clk,
		AuditSvc:  auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Repo: auditrepo.Provide()}),
		Publisher: events,
	}
	for _, opt := range opts {
		opt(&params, provider)
	}
	svc := NewService(params)
	return &testEnv{
		db:      db,
		svc:     svc,
		repo:    repo,
		clock:   clk,
		sandbox: provider,
		locker:  locker,
		events:  events,
		actor:   testutil.Accountant(1),
	}
}

func (e *testEnv) connect(t *testing.T) *domain.BankConnection {
	t.Helper()
	conn, err := e.svc.Connect(context.Background(), e.actor, domain.ConnectRequest{
		Provider:      sandbox.ProviderName,
		InstitutionID: "demo",
	})
	require.NoError(t, err)
	return conn
}

func (e *testEnv) countTransactions(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&domain.BankTransaction{}).Count(&n).Error)
	return n
}

func TestSyncImportsOnceAcrossOverlappingSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)

	first, err := env.svc.Sync(ctx, env.actor, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionSuccess, first.Status)
	assert.Equal(t, 10, first.Fetched)
	assert.Equal(t, 10, first.Inserted)
	assert.Equal(t, 1, first.Accounts)

	env.clock.Advance(24 * time.Hour)
	second, err := env.svc.Sync(ctx, env.actor, conn.ID)
	require.NoError(t, err)
	// the overlap window re-reads the last three days
	assert.Equal(t, time.Date(2025, 3, 19, 0, 0, 0, 0, time.UTC), second.Since.UTC())
	assert.Equal(t, 3, second.Fetched)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, int64(10), env.countTransactions(t))

	accounts, err := env.svc.ListAccounts(ctx, env.actor, conn.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "18450.32", accounts[0].Balance.StringFixed(2))
	assert.True(t, accounts[0].UpdatedAt.Equal(env.clock.Now()), "account updated_at %s", accounts[0].UpdatedAt)

	stored, err := env.repo.FindConnection(ctx, env.db, 1, conn.ID)
	require.NoError(t, err)
	assert.True(t, stored.UpdatedAt.Equal(env.clock.Now()), "connection updated_at %s", stored.UpdatedAt)

	assert.Equal(t, []string{notify.TypeBankSyncCompleted, notify.TypeBankSyncCompleted}, env.events.Types())
}

func TestSyncWithExpiredConsentFailsFast(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)

	env.clock.Advance(91 * 24 * time.Hour)
	session, err := env.svc.Sync(ctx, env.actor, conn.ID)
	require.ErrorIs(t, err, domain.ErrConsentExpired)
	require.NotNil(t, session)
	assert.Equal(t, domain.SessionFailed, session.Status)
	assert.Equal(t, "consent_expired", session.ErrorCode)
	assert.NotNil(t, session.FinishedAt)

	stored, err := env.repo.FindConnection(ctx, env.db, 1, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionExpired, stored.Status)
	assert.Zero(t, env.countTransactions(t))

	// scheduled runs skip expired connections entirely
	summary, err := env.svc.SyncAll(ctx, authctx.System(1))
	require.NoError(t, err)
	assert.Zero(t, summary.Total)

	renewed, err := env.svc.RenewConsent(ctx, env.actor, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionActive, renewed.Status)
	session, err = env.svc.Sync(ctx, env.actor, conn.ID)
	require.NoError(t, err)
	// no watermark yet, so only the default history window is read
	assert.Equal(t, 2, session.Inserted)
}

func TestSyncRejectsConcurrentSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)

	held, err := env.locker.Obtain(ctx, lockKey(conn.ID), time.Minute)
	require.NoError(t, err)

	_, err = env.svc.Sync(ctx, env.actor, conn.ID)
	require.ErrorIs(t, err, domain.ErrSyncInProgress)

	summary, err := env.svc.SyncAll(ctx, authctx.System(1))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, summary.Sessions)

	require.NoError(t, held.Release(ctx))
	session, err := env.svc.Sync(ctx, env.actor, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, session.Inserted)
}

func TestSyncProviderOutageKeepsWatermark(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)

	fixture, err := sandbox.ParseFixture(nil)
	require.NoError(t, err)
	down := *fixture
	down.Unavailable = true
	env.sandbox.SetFixture(&down)

	session, err := env.svc.Sync(ctx, env.actor, conn.ID)
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, "provider_unavailable", session.ErrorCode)

	stored, err := env.repo.FindConnection(ctx, env.db, 1, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionError, stored.Status)
	assert.Nil(t, stored.SyncedThrough)
	assert.Contains(t, env.events.Types(), notify.TypeBankSyncFailed)

	env.sandbox.SetFixture(fixture)
	summary, err := env.svc.SyncAll(ctx, authctx.System(1))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	require.Len(t, summary.Sessions, 1)
	assert.Equal(t, domain.TriggerScheduled, summary.Sessions[0].Trigger)

	stored, err = env.repo.FindConnection(ctx, env.db, 1, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionActive, stored.Status)
	require.NotNil(t, stored.SyncedThrough)
}

func TestDisconnectKeepsTransactions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)

	_, err := env.svc.Sync(ctx, env.actor, conn.ID)
	require.NoError(t, err)
	require.NoError(t, env.svc.Disconnect(ctx, env.actor, conn.ID))

	conns, err := env.svc.ListConnections(ctx, env.actor)
	require.NoError(t, err)
	assert.Empty(t, conns)
	assert.Equal(t, int64(10), env.countTransactions(t))

	_, err = env.svc.Sync(ctx, env.actor, conn.ID)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestViewerCannotSync(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t)

	_, err := env.svc.Sync(context.Background(), testutil.Viewer(1), conn.ID)
	assert.ErrorIs(t, err, authctx.ErrForbidden)

	conns, err := env.svc.ListConnections(context.Background(), testutil.Viewer(1))
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}

func TestSyncAllIsolatesFailingConnection(t *testing.T) {
	gated := &gatedProvider{failing: map[string]error{}}
	env := newTestEnv(t, withProvider(gated))
	ctx := context.Background()
	healthy := env.connect(t)
	expired := env.connect(t)
	gated.failing[expired.ExternalRef] = domain.ErrConsentExpired

	summary, err := env.svc.SyncAll(ctx, authctx.System(1))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Skipped)
	require.Len(t, summary.Sessions, 2)

	byConnection := map[string]domain.SyncSession{}
	for _, session := range summary.Sessions {
		byConnection[session.ConnectionID.String()] = session
	}
	assert.Equal(t, domain.SessionSuccess, byConnection[healthy.ID.String()].Status)
	assert.Equal(t, 10, byConnection[healthy.ID.String()].Inserted)
	assert.Equal(t, domain.SessionFailed, byConnection[expired.ID.String()].Status)
	assert.Equal(t, "consent_expired", byConnection[expired.ID.String()].ErrorCode)

	var stored int64
	require.NoError(t, env.db.Model(&domain.BankTransaction{}).Where("connection_id = ?", healthy.ID).Count(&stored).Error)
	assert.Equal(t, int64(10), stored)
	require.NoError(t, env.db.Model(&domain.BankTransaction{}).Where("connection_id = ?", expired.ID).Count(&stored).Error)
	assert.Zero(t, stored)

	conn, err := env.repo.FindConnection(ctx, env.db, 1, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionExpired, conn.Status)
	conn, err = env.repo.FindConnection(ctx, env.db, 1, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionActive, conn.Status)
	require.NotNil(t, conn.SyncedThrough)

	assert.ElementsMatch(t, []string{notify.TypeBankSyncCompleted, notify.TypeBankSyncFailed}, env.events.Types())
}

func TestSlowSyncKeepsItsLease(t *testing.T) {
	ttl := 60 * time.Millisecond
	gated := &gatedProvider{entered: make(chan struct{}, 1), release: make(chan struct{})}
	env := newTestEnv(t, withProvider(gated), withLockTTL(ttl))
	ctx := context.Background()
	conn := env.connect(t)

	type result struct {
		session *domain.SyncSession
		err     error
	}
	done := make(chan result, 1)
	go func() {
		session, err := env.svc.Sync(ctx, env.actor, conn.ID)
		done <- result{session: session, err: err}
	}()

	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first session never reached the provider")
	}
	// well past the lease TTL the first session still holds the connection
	time.Sleep(4 * ttl)
	_, err := env.svc.Sync(ctx, env.actor, conn.ID)
	require.ErrorIs(t, err, domain.ErrSyncInProgress)

	close(gated.release)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, domain.SessionSuccess, first.session.Status)
	assert.Equal(t, 10, first.session.Inserted)
	assert.Equal(t, int64(10), env.countTransactions(t))
}

func TestSyncStopsWhenLeaseIsLost(t *testing.T) {
	gated := &gatedProvider{entered: make(chan struct{}, 1), release: make(chan struct{})}
	env := newTestEnv(t, withProvider(gated), withLockTTL(150*time.Millisecond), withLocker(lossyLocker{}))
	ctx := context.Background()
	conn := env.connect(t)

	session, err := env.svc.Sync(ctx, env.actor, conn.ID)
	require.ErrorIs(t, err, domain.ErrLockLost)
	require.NotNil(t, session)
	assert.Equal(t, domain.SessionFailed, session.Status)
	assert.Equal(t, "lock_lost", session.ErrorCode)
	assert.Zero(t, env.countTransactions(t))

	stored, err := env.repo.FindConnection(ctx, env.db, 1, conn.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.SyncedThrough)
}

func TestConnectAuditMasksExternalRef(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t)

	var logs []auditdomain.AuditLog
	require.NoError(t, env.db.Where("action = ?", "bank.connection_created").Find(&logs).Error)
	require.Len(t, logs, 1)
	ref, ok := logs[0].Metadata["external_ref"].(string)
	require.True(t, ok)
	assert.NotEqual(t, conn.ExternalRef, ref)
	assert.Equal(t, "****"+conn.ExternalRef[len(conn.ExternalRef)-4:], ref)
}
