// Package authctx defines the caller identity that every operation receives
// explicitly. Capabilities are resolved once at the boundary and carried here.
package authctx

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrForbidden      = errors.New("forbidden")
	ErrMissingTenant  = errors.New("missing_tenant")
	ErrTenantMismatch = errors.New("tenant_mismatch")
)

type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAPIKey ActorType = "api_key"
)

type Capability string

const (
	CapDocumentSubmit     Capability = "document.submit"
	CapDocumentRead       Capability = "document.read"
	CapValidationResolve  Capability = "validation.resolve"
	CapBankManage         Capability = "bank.manage"
	CapBankSync           Capability = "bank.sync"
	CapReconciliationRun  Capability = "reconciliation.run"
	CapReconciliationRule Capability = "reconciliation.rule"
	CapPeriodManage       Capability = "period.manage"
	CapPeriodCertify      Capability = "period.certify"
)

// AllCapabilities lists every capability known to the service.
var AllCapabilities = []Capability{
	CapDocumentSubmit,
	CapDocumentRead,
	CapValidationResolve,
	CapBankManage,
	CapBankSync,
	CapReconciliationRun,
	CapReconciliationRule,
	CapPeriodManage,
	CapPeriodCertify,
}

type Actor struct {
	TenantID     int64
	Type         ActorType
	ID           string
	Role         string
	DemoMode     bool
	Capabilities map[Capability]bool
}

// System returns the actor used by background jobs of a tenant. It holds every capability.
func System(tenantID int64) Actor {
	caps := make(map[Capability]bool, len(AllCapabilities))
	for _, c := range AllCapabilities {
		caps[c] = true
	}
	return Actor{
		TenantID:     tenantID,
		Type:         ActorSystem,
		ID:           "system",
		Role:         "system",
		Capabilities: caps,
	}
}

func (a Actor) Can(c Capability) bool {
	return a.Capabilities[c]
}

// Require checks the tenant and the capability in one call.
func (a Actor) Require(c Capability) error {
	if a.TenantID == 0 {
		return ErrMissingTenant
	}
	if !a.Can(c) {
		return ErrForbidden
	}
	return nil
}

// RequireTenant rejects access to a record of another tenant.
func (a Actor) RequireTenant(tenantID int64) error {
	if a.TenantID == 0 {
		return ErrMissingTenant
	}
	if a.TenantID != tenantID {
		return ErrTenantMismatch
	}
	return nil
}

// Ref returns "type:id", the form stored in audit and history rows.
func (a Actor) Ref() string {
	id := strings.TrimSpace(a.ID)
	if id == "" {
		id = "unknown"
	}
	return string(a.Type) + ":" + id
}

func (a Actor) TenantString() string {
	return strconv.FormatInt(a.TenantID, 10)
}
