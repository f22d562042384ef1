package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	reconciliationdomain "github.com/smallbiznis/autocompta/internal/reconciliation/domain"
)

func (s *Server) ListUnreconciled(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var query struct {
		HasSuggestions string `form:"has_suggestions"`
		From           string `form:"from"`
		To             string `form:"to"`
		Limit          int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	hasSuggestions, err := parseOptionalBool(query.HasSuggestions)
	if err != nil {
		AbortWithError(c, newValidationError("has_suggestions", "invalid_has_suggestions", "invalid has_suggestions"))
		return
	}
	from, err := parseOptionalTime(query.From, false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(query.To, true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}

	items, err := s.reconciliationSvc.ListUnreconciled(c.Request.Context(), actor, reconciliationdomain.ListUnreconciledRequest{
		HasSuggestions: hasSuggestions,
		From:           from,
		To:             to,
		Limit:          query.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) Reconcile(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req reconciliationdomain.ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Note = strings.TrimSpace(req.Note)

	rec, err := s.reconciliationSvc.Reconcile(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rec})
}

type unreconcileRequest struct {
	TransactionID snowflake.ID `json:"transaction_id,string"`
}

func (s *Server) Unreconcile(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req unreconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TransactionID == 0 {
		AbortWithError(c, newValidationError("transaction_id", "invalid_transaction_id", "invalid transaction_id"))
		return
	}

	rec, err := s.reconciliationSvc.Unreconcile(c.Request.Context(), actor, req.TransactionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rec})
}

func (s *Server) RunAutoReconciliation(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}

	summary, err := s.reconciliationSvc.RunAuto(c.Request.Context(), actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) GetReconciliationHistory(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	history, err := s.reconciliationSvc.History(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": history})
}

func (s *Server) ListReconciliationRules(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}

	rules, err := s.reconciliationSvc.ListRules(c.Request.Context(), actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rules})
}

func (s *Server) CreateReconciliationRule(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req reconciliationdomain.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Name = strings.TrimSpace(req.Name)

	rule, err := s.reconciliationSvc.CreateRule(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": rule})
}

func (s *Server) SetReconciliationRuleActive(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Active *bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		AbortWithError(c, newValidationError("active", "invalid_active", "active is required"))
		return
	}

	rule, err := s.reconciliationSvc.SetRuleActive(c.Request.Context(), actor, id, *req.Active)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rule})
}

func (s *Server) DeleteReconciliationRule(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	if err := s.reconciliationSvc.DeleteRule(c.Request.Context(), actor, id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
