package authctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequire(t *testing.T) {
	actor := Actor{TenantID: 1, Type: ActorUser, ID: "u1", Capabilities: map[Capability]bool{CapDocumentRead: true}}

	assert.NoError(t, actor.Require(CapDocumentRead))
	assert.ErrorIs(t, actor.Require(CapPeriodCertify), ErrForbidden)
	assert.ErrorIs(t, Actor{}.Require(CapDocumentRead), ErrMissingTenant)
	assert.ErrorIs(t, actor.RequireTenant(2), ErrTenantMismatch)
	assert.Equal(t, "user:u1", actor.Ref())
	assert.Equal(t, "1", actor.TenantString())
}

func TestSystemActorHoldsEveryCapability(t *testing.T) {
	sys := System(9)
	for _, c := range AllCapabilities {
		assert.True(t, sys.Can(c), string(c))
	}
	assert.Equal(t, "system:system", sys.Ref())
}
