package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"gorm.io/gorm"
)

type Status string

const (
	StatusOpen                 Status = "OPEN"
	StatusPendingCertification Status = "PENDING_CERTIFICATION"
	StatusCertified            Status = "CERTIFIED"
)

var (
	ErrNotFound               = errors.New("period_not_found")
	ErrAlreadyExists          = errors.New("period_already_exists")
	ErrInvalidPeriod          = errors.New("invalid_period")
	ErrInvalidTransition      = errors.New("invalid_period_transition")
	ErrPeriodFrozen           = errors.New("period_frozen")
	ErrConcurrentModification = errors.New("concurrent_modification")
)

// Period is one calendar month of a tenant. Start is inclusive, End exclusive.
type Period struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID    int64        `gorm:"not null;uniqueIndex:ux_periods_tenant_label,priority:1" json:"tenant_id"`
	Label       string       `gorm:"type:text;not null;uniqueIndex:ux_periods_tenant_label,priority:2" json:"label"`
	StartDate   time.Time    `gorm:"not null" json:"start_date"`
	EndDate     time.Time    `gorm:"not null" json:"end_date"`
	Status      Status       `gorm:"type:text;not null" json:"status"`
	CertifiedAt *time.Time   `json:"certified_at,omitempty"`
	CertifiedBy string       `gorm:"type:text" json:"certified_by,omitempty"`
	Version     int64        `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (Period) TableName() string { return "periods" }

func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.StartDate) && t.Before(p.EndDate)
}

// CertificationInvariantError lists what still blocks a certification.
type CertificationInvariantError struct {
	PendingValidation int64 `json:"pending_validation"`
	InFlight          int64 `json:"in_flight"`
	Unreconciled      int64 `json:"unreconciled"`
}

func (e *CertificationInvariantError) Error() string {
	return fmt.Sprintf("period cannot be certified: %d pending validation, %d in flight, %d unreconciled",
		e.PendingValidation, e.InFlight, e.Unreconciled)
}

func (e *CertificationInvariantError) Blocking() bool {
	return e.PendingValidation > 0 || e.InFlight > 0 || e.Unreconciled > 0
}

func AsCertificationInvariantError(err error) (*CertificationInvariantError, bool) {
	var target *CertificationInvariantError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Guard refuses writes dated inside a certified period.
type Guard interface {
	EnsureWritable(ctx context.Context, db *gorm.DB, tenantID int64, date time.Time) error
}

type OpenRequest struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

type Service interface {
	Open(ctx context.Context, actor authctx.Actor, req OpenRequest) (*Period, error)
	Get(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*Period, error)
	List(ctx context.Context, actor authctx.Actor) ([]Period, error)
	RequestCertification(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*Period, error)
	Reopen(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*Period, error)
	// Certify freezes the period once nothing dated inside it is unresolved.
	Certify(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*Period, error)
	Blocking(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*CertificationInvariantError, error)
	ExportReport(ctx context.Context, actor authctx.Actor, id snowflake.ID) ([]byte, error)
}

func Models() []any {
	return []any{&Period{}}
}

// TransitionUpdate moves a period from one status to another if its version
// is still current.
type TransitionUpdate struct {
	From    Status
	To      Status
	Columns map[string]any
}

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, period *Period) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID int64, id snowflake.ID) (*Period, error)
	List(ctx context.Context, db *gorm.DB, tenantID int64) ([]Period, error)
	Transition(ctx context.Context, db *gorm.DB, period *Period, upd TransitionUpdate) error
	// CertifiedContaining returns the certified period covering date, if any.
	CertifiedContaining(ctx context.Context, db *gorm.DB, tenantID int64, date time.Time) (*Period, bool, error)
}
