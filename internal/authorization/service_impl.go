package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/autocompta/internal/audit/domain"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	RoleViewer     = "viewer"
	RoleAccountant = "accountant"
	RoleAdmin      = "admin"
	RoleOwner      = "owner"
	RoleSystem     = "system"
)

// Identity is the caller as announced by the upstream gateway.
type Identity struct {
	TenantID  int64
	ActorType authctx.ActorType
	ActorID   string
	Role      string
	DemoMode  bool
}

// Service resolves an identity into an actor carrying its capabilities.
type Service interface {
	Resolve(ctx context.Context, id Identity) (authctx.Actor, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Resolve(ctx context.Context, id Identity) (authctx.Actor, error) {
	if id.TenantID <= 0 {
		return authctx.Actor{}, ErrInvalidTenant
	}
	actorID := strings.TrimSpace(id.ActorID)
	if actorID == "" {
		return authctx.Actor{}, ErrInvalidActor
	}
	actorType := id.ActorType
	if actorType == "" {
		actorType = authctx.ActorUser
	}
	role := strings.ToLower(strings.TrimSpace(id.Role))
	if role == "" {
		return authctx.Actor{}, ErrInvalidRole
	}

	subject := fmt.Sprintf("%s:%s", actorType, actorID)
	domain := fmt.Sprintf("tenant:%d", id.TenantID)
	if err := s.ensureGrouping(subject, "role:"+role, domain); err != nil {
		return authctx.Actor{}, err
	}

	caps := make(map[authctx.Capability]bool, len(authctx.AllCapabilities))
	for _, c := range authctx.AllCapabilities {
		object, action := splitCapability(c)
		allowed, err := s.enforcer.Enforce(subject, domain, object, action)
		if err != nil {
			return authctx.Actor{}, err
		}
		if allowed {
			caps[c] = true
		}
	}

	actor := authctx.Actor{
		TenantID:     id.TenantID,
		Type:         actorType,
		ID:           actorID,
		Role:         role,
		DemoMode:     id.DemoMode,
		Capabilities: caps,
	}
	if len(caps) == 0 {
		s.auditDenied(ctx, actor)
		return authctx.Actor{}, ErrForbidden
	}
	return actor, nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actor authctx.Actor) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.AuditLog(ctx, nil, actor, "authorization.denied", "authorization", actor.Role, map[string]any{
		"role": actor.Role,
	})
}

func splitCapability(c authctx.Capability) (string, string) {
	object, action, _ := strings.Cut(string(c), ".")
	return object, action
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	grants := map[string][]authctx.Capability{
		RoleViewer: {
			authctx.CapDocumentRead,
		},
		RoleAccountant: {
			authctx.CapDocumentRead,
			authctx.CapDocumentSubmit,
			authctx.CapValidationResolve,
			authctx.CapBankSync,
			authctx.CapReconciliationRun,
			authctx.CapReconciliationRule,
			authctx.CapPeriodManage,
		},
		RoleAdmin:  authctx.AllCapabilities,
		RoleOwner:  authctx.AllCapabilities,
		RoleSystem: authctx.AllCapabilities,
	}

	for role, caps := range grants {
		for _, c := range caps {
			object, action := splitCapability(c)
			has, err := enforcer.HasPolicy("role:"+role, object, action)
			if err != nil {
				return err
			}
			if has {
				continue
			}
			if _, err := enforcer.AddPolicy("role:"+role, object, action); err != nil {
				return err
			}
		}
	}
	return nil
}
