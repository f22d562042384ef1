package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/autocompta/internal/audit/domain"
	"github.com/smallbiznis/autocompta/internal/audit/masking"
	"github.com/smallbiznis/autocompta/internal/authctx"
	obscontext "github.com/smallbiznis/autocompta/internal/observability/context"
	"github.com/smallbiznis/autocompta/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) AuditLog(ctx context.Context, db *gorm.DB, actor authctx.Actor, action, targetType, targetID string, metadata map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	targetType = strings.TrimSpace(targetType)
	if targetType == "" {
		targetType = "unknown"
	}
	if db == nil {
		db = s.db
	}

	payload := map[string]any{}
	for key, value := range masking.MaskKeys(metadata, masking.SensitiveKeys...) {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	actorType := string(actor.Type)
	if actorType == "" {
		actorType = string(authctx.ActorSystem)
	}

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		TenantID:   actor.TenantID,
		ActorType:  actorType,
		ActorID:    strings.TrimSpace(actor.ID),
		Action:     action,
		TargetType: targetType,
		TargetID:   strings.TrimSpace(targetID),
		Metadata:   datatypes.JSONMap(payload),
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.repo.Insert(ctx, db, &entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, actor authctx.Actor, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if err := actor.Require(authctx.CapDocumentRead); err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		TenantID:   actor.TenantID,
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
	}, req.Pagination)
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	logs, pageInfo, err := pagination.Page(items, req.Pagination, func(item auditdomain.AuditLog) pagination.Cursor {
		return pagination.Cursor{ID: item.ID.Int64(), CreatedAt: item.CreatedAt}
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}
	return auditdomain.ListAuditLogResponse{PageInfo: pageInfo, AuditLogs: logs}, nil
}
