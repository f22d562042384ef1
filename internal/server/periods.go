package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/autocompta/internal/authctx"
	perioddomain "github.com/smallbiznis/autocompta/internal/period/domain"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Server) OpenPeriod(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req perioddomain.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	period, err := s.periodSvc.Open(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": period})
}

func (s *Server) ListPeriods(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}

	periods, err := s.periodSvc.List(c.Request.Context(), actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": periods})
}

func (s *Server) GetPeriod(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	period, err := s.periodSvc.Get(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	blocking, err := s.periodSvc.Blocking(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": period, "blocking": blocking})
}

func (s *Server) RequestPeriodCertification(c *gin.Context) {
	s.movePeriod(c, s.periodSvc.RequestCertification)
}

func (s *Server) CertifyPeriod(c *gin.Context) {
	s.movePeriod(c, s.periodSvc.Certify)
}

func (s *Server) ReopenPeriod(c *gin.Context) {
	s.movePeriod(c, s.periodSvc.Reopen)
}

type periodMove func(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*perioddomain.Period, error)

func (s *Server) movePeriod(c *gin.Context, move periodMove) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	period, err := move(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": period})
}

func (s *Server) ExportPeriodReport(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	report, err := s.periodSvc.ExportReport(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="period-%s.xlsx"`, id.String()))
	c.Data(http.StatusOK, xlsxContentType, report)
}
