package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/autocompta/internal/audit/domain"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/internal/authorization"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/internal/config"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/internal/observability"
	obsmiddleware "github.com/smallbiznis/autocompta/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/autocompta/internal/observability/metrics"
	obstracing "github.com/smallbiznis/autocompta/internal/observability/tracing"
	perioddomain "github.com/smallbiznis/autocompta/internal/period/domain"
	"github.com/smallbiznis/autocompta/internal/pipeline"
	"github.com/smallbiznis/autocompta/internal/ratelimit"
	reconciliationdomain "github.com/smallbiznis/autocompta/internal/reconciliation/domain"
	validationdomain "github.com/smallbiznis/autocompta/internal/validation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// reprocessor re-runs the pipeline for a document.
type reprocessor interface {
	Reprocess(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*docdomain.Document, error)
}

type Server struct {
	engine            *gin.Engine
	cfg               config.Config
	db                *gorm.DB
	authzSvc          authorization.Service
	auditSvc          auditdomain.Service
	documentSvc       docdomain.Service
	reprocessor       reprocessor
	validationSvc     validationdomain.Service
	bankSvc           bankdomain.Service
	reconciliationSvc reconciliationdomain.Service
	periodSvc         perioddomain.Service
	limiter           submissionLimiter
	obsMetrics        *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin               *gin.Engine
	Cfg               config.Config
	DB                *gorm.DB
	AuthzSvc          authorization.Service
	AuditSvc          auditdomain.Service
	DocumentSvc       docdomain.Service
	Pipeline          *pipeline.Service
	ValidationSvc     validationdomain.Service
	BankSvc           bankdomain.Service
	ReconciliationSvc reconciliationdomain.Service
	PeriodSvc         perioddomain.Service
	Limiter           *ratelimit.SubmissionLimiter `optional:"true"`
	ObsMetrics        *obsmetrics.Metrics          `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	srv := &Server{
		engine:            p.Gin,
		cfg:               p.Cfg,
		db:                p.DB,
		authzSvc:          p.AuthzSvc,
		auditSvc:          p.AuditSvc,
		documentSvc:       p.DocumentSvc,
		reprocessor:       p.Pipeline,
		validationSvc:     p.ValidationSvc,
		bankSvc:           p.BankSvc,
		reconciliationSvc: p.ReconciliationSvc,
		periodSvc:         p.PeriodSvc,
		obsMetrics:        p.ObsMetrics,
	}
	if p.Limiter.Enabled() {
		srv.limiter = p.Limiter
	}
	return srv
}

func RegisterRoutes(s *Server) {
	s.registerHealthRoutes()
	s.registerAPIRoutes()
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/ready", s.Ready)
}

func (s *Server) Ready(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")
	api.Use(s.IdentityRequired())

	// -------- Documents --------
	api.POST("/documents", Require(authctx.CapDocumentSubmit), s.SubmissionRateLimit(), s.SubmitDocument)
	api.GET("/documents", s.ListDocuments)
	api.GET("/documents/:id", s.GetDocument)
	api.GET("/documents/:id/history", s.GetDocumentHistory)
	api.POST("/documents/:id/resubmit", s.ResubmitDocument)
	api.POST("/documents/:id/reprocess", s.ReprocessDocument)

	// -------- Validation queue --------
	api.GET("/validation-queue", s.ListValidationQueue)
	api.POST("/validation-queue/validate", s.ValidateQueueItems)
	api.POST("/validation-queue/reject", s.RejectQueueItems)

	// -------- Bank --------
	api.POST("/bank/connections", s.ConnectBank)
	api.GET("/bank/connections", s.ListBankConnections)
	api.DELETE("/bank/connections/:id", s.DisconnectBank)
	api.POST("/bank/connections/:id/consent", s.RenewBankConsent)
	api.GET("/bank/connections/:id/accounts", s.ListBankAccounts)
	api.POST("/bank/connections/:id/sync", s.SyncBankConnection)
	api.GET("/bank/connections/:id/sessions", s.ListSyncSessions)
	api.POST("/bank/sync", s.SyncAllBanks)

	// -------- Reconciliation --------
	api.GET("/reconciliation/unreconciled", s.ListUnreconciled)
	api.POST("/reconciliation/reconcile", s.Reconcile)
	api.POST("/reconciliation/unreconcile", s.Unreconcile)
	api.POST("/reconciliation/run", s.RunAutoReconciliation)
	api.GET("/reconciliation/transactions/:id/history", s.GetReconciliationHistory)
	api.GET("/reconciliation/rules", s.ListReconciliationRules)
	api.POST("/reconciliation/rules", s.CreateReconciliationRule)
	api.PATCH("/reconciliation/rules/:id", s.SetReconciliationRuleActive)
	api.DELETE("/reconciliation/rules/:id", s.DeleteReconciliationRule)

	// -------- Periods --------
	api.POST("/periods", s.OpenPeriod)
	api.GET("/periods", s.ListPeriods)
	api.GET("/periods/:id", s.GetPeriod)
	api.POST("/periods/:id/request-certification", s.RequestPeriodCertification)
	api.POST("/periods/:id/certify", s.CertifyPeriod)
	api.POST("/periods/:id/reopen", s.ReopenPeriod)
	api.GET("/periods/:id/report", s.ExportPeriodReport)

	api.GET("/audit-logs", s.ListAuditLogs)
}
