package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/autocompta/internal/audit/domain"
)

func (s *Server) ListAuditLogs(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var query auditdomain.ListAuditLogRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	query.Action = strings.TrimSpace(query.Action)
	query.TargetType = strings.TrimSpace(query.TargetType)
	query.TargetID = strings.TrimSpace(query.TargetID)

	resp, err := s.auditSvc.List(c.Request.Context(), actor, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
