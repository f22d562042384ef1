package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/internal/authorization"
	obscontext "github.com/smallbiznis/autocompta/internal/observability/context"
)

// Headers set by the upstream gateway once the caller is authenticated.
const (
	HeaderTenant    = "X-Tenant-ID"
	HeaderActorID   = "X-Actor-ID"
	HeaderActorType = "X-Actor-Type"
	HeaderRole      = "X-Actor-Role"
	HeaderDemoMode  = "X-Demo-Mode"

	contextActorKey = "actor"
)

// IdentityRequired resolves the gateway headers into an actor carrying its
// capabilities. Handlers read it back with actorFrom.
func (s *Server) IdentityRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := strconv.ParseInt(strings.TrimSpace(c.GetHeader(HeaderTenant)), 10, 64)
		if err != nil || tenantID <= 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		actorType := authctx.ActorType(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorType))))
		demo, _ := strconv.ParseBool(strings.TrimSpace(c.GetHeader(HeaderDemoMode)))

		actor, err := s.authzSvc.Resolve(c.Request.Context(), authorization.Identity{
			TenantID:  tenantID,
			ActorType: actorType,
			ActorID:   c.GetHeader(HeaderActorID),
			Role:      c.GetHeader(HeaderRole),
			DemoMode:  demo,
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := obscontext.WithTenantID(c.Request.Context(), actor.TenantString())
		ctx = obscontext.WithActor(ctx, string(actor.Type), actor.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextActorKey, actor)
		c.Next()
	}
}

// Require rejects the request before the body is read when the actor lacks
// capability.
func Require(capability authctx.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if !actor.Can(capability) {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) (authctx.Actor, bool) {
	value, ok := c.Get(contextActorKey)
	if !ok {
		return authctx.Actor{}, false
	}
	actor, ok := value.(authctx.Actor)
	return actor, ok
}

// mustActor returns the resolved actor, aborting the request when missing.
func mustActor(c *gin.Context) (authctx.Actor, bool) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
	}
	return actor, ok
}
