package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
)

func (s *Server) ConnectBank(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req bankdomain.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Provider = strings.TrimSpace(req.Provider)
	req.InstitutionID = strings.TrimSpace(req.InstitutionID)

	conn, err := s.bankSvc.Connect(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": conn})
}

func (s *Server) ListBankConnections(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}

	conns, err := s.bankSvc.ListConnections(c.Request.Context(), actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": conns})
}

func (s *Server) DisconnectBank(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	if err := s.bankSvc.Disconnect(c.Request.Context(), actor, id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) RenewBankConsent(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	conn, err := s.bankSvc.RenewConsent(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": conn})
}

func (s *Server) ListBankAccounts(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	accounts, err := s.bankSvc.ListAccounts(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": accounts})
}

func (s *Server) SyncBankConnection(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	session, err := s.bankSvc.Sync(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

func (s *Server) SyncAllBanks(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}

	summary, err := s.bankSvc.SyncAll(c.Request.Context(), actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) ListSyncSessions(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var query bankdomain.ListSessionsRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.bankSvc.ListSessions(c.Request.Context(), actor, id, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
