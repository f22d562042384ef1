package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	validationdomain "github.com/smallbiznis/autocompta/internal/validation/domain"
)

func (s *Server) ListValidationQueue(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var query validationdomain.ListQueueRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.validationSvc.List(c.Request.Context(), actor, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ValidateQueueItems(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req validationdomain.ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Comment = strings.TrimSpace(req.Comment)

	outcomes, err := s.validationSvc.Validate(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": outcomes, "summary": summarizeOutcomes(outcomes)})
}

func (s *Server) RejectQueueItems(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req validationdomain.RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)

	outcomes, err := s.validationSvc.Reject(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": outcomes, "summary": summarizeOutcomes(outcomes)})
}

type outcomeSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func summarizeOutcomes(outcomes []validationdomain.ItemOutcome) outcomeSummary {
	var out outcomeSummary
	for _, o := range outcomes {
		if o.OK {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out
}
