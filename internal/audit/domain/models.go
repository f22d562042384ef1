package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID   int64             `gorm:"not null;index:idx_audit_tenant_created,priority:1" json:"tenant_id"`
	ActorType  string            `gorm:"type:text;not null" json:"actor_type"`
	ActorID    string            `gorm:"type:text" json:"actor_id"`
	Action     string            `gorm:"type:text;not null" json:"action"`
	TargetType string            `gorm:"type:text;not null" json:"target_type"`
	TargetID   string            `gorm:"type:text" json:"target_id"`
	Metadata   datatypes.JSONMap `json:"metadata"`
	CreatedAt  time.Time         `gorm:"not null;index:idx_audit_tenant_created,priority:2" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string `form:"action"`
	TargetType string `form:"target_type"`
	TargetID   string `form:"target_id"`
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type ListFilter struct {
	TenantID   int64
	Action     string
	TargetType string
	TargetID   string
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter, page pagination.Pagination) ([]AuditLog, error)
}

// Service records who did what. db may be a running transaction so the
// entry commits together with the change it describes; nil uses the pool.
type Service interface {
	AuditLog(ctx context.Context, db *gorm.DB, actor authctx.Actor, action, targetType, targetID string, metadata map[string]any) error
	List(ctx context.Context, actor authctx.Actor, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidAction = errors.New("invalid_action")
)
