package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/autocompta/internal/observability/logger"
	"github.com/smallbiznis/autocompta/internal/ratelimit"
	"go.uber.org/zap"
)

type submissionLimiter interface {
	Allow(ctx context.Context, tenantID int64) (*ratelimit.Result, error)
}

// SubmissionRateLimit spends one token of the tenant bucket per upload.
// Limiter errors fail the request.
func (s *Server) SubmissionRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		actor, ok := mustActor(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		res, err := s.limiter.Allow(ctx, actor.TenantID)
		if err != nil {
			logger.FromContext(ctx).Warn("submission rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		s.obsMetrics.RecordRateLimit(ctx, endpoint, res.Allowed)
		if !res.Allowed {
			logger.FromContext(ctx).Warn("submission rate limit exceeded", zap.String("endpoint", endpoint))
			seconds := int(res.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
