package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	db := testutil.NewTestDB(t)
	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestResolveAccountantCapabilities(t *testing.T) {
	svc := newTestService(t)

	actor, err := svc.Resolve(context.Background(), Identity{TenantID: 3, ActorID: "u-1", Role: "Accountant"})
	require.NoError(t, err)

	assert.Equal(t, int64(3), actor.TenantID)
	assert.Equal(t, authctx.ActorUser, actor.Type)
	assert.True(t, actor.Can(authctx.CapValidationResolve))
	assert.True(t, actor.Can(authctx.CapBankSync))
	assert.False(t, actor.Can(authctx.CapPeriodCertify))
	assert.False(t, actor.Can(authctx.CapBankManage))
}

func TestResolveRoleChangeReplacesGrouping(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	owner, err := svc.Resolve(ctx, Identity{TenantID: 1, ActorID: "u-1", Role: RoleOwner})
	require.NoError(t, err)
	assert.True(t, owner.Can(authctx.CapPeriodCertify))

	viewer, err := svc.Resolve(ctx, Identity{TenantID: 1, ActorID: "u-1", Role: RoleViewer})
	require.NoError(t, err)
	assert.False(t, viewer.Can(authctx.CapPeriodCertify))
	assert.True(t, viewer.Can(authctx.CapDocumentRead))
}

func TestResolveRejectsUnknownRole(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, Identity{TenantID: 1, ActorID: "u-1", Role: "intern"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Resolve(ctx, Identity{TenantID: 0, ActorID: "u-1", Role: RoleOwner})
	assert.ErrorIs(t, err, ErrInvalidTenant)

	_, err = svc.Resolve(ctx, Identity{TenantID: 1, Role: RoleOwner})
	assert.ErrorIs(t, err, ErrInvalidActor)
}
