// Package notify publishes outbound domain notifications. Delivery is best
// effort and never part of a state transition.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	TypeReadyForReview      = "document.ready_for_review"
	TypeDocumentAccounted   = "document.accounted"
	TypeDocumentPosted      = "document.posted"
	TypeDocumentRejected    = "document.rejected"
	TypeDocumentError       = "document.error"
	TypeBankSyncCompleted   = "bank.sync_completed"
	TypeBankSyncFailed      = "bank.sync_failed"
	TypeReconciliationMatch = "reconciliation.matched"
	TypePeriodCertified     = "period.certified"
)

type Event struct {
	Type     string
	TenantID int64
	Subject  string
	Data     map[string]any
	Time     time.Time
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// LogPublisher logs notifications when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPublisher{log: log.Named("notify")}
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	p.log.Info("notification",
		zap.String("type", evt.Type),
		zap.Int64("tenant_id", evt.TenantID),
		zap.String("subject", evt.Subject),
		zap.Time("time", evt.Time),
	)
	return nil
}

// Recorder collects published events, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Types() []string {
	events := r.Events()
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

// Safe publishes and logs instead of returning delivery failures.
func Safe(ctx context.Context, p Publisher, log *zap.Logger, evt Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, evt); err != nil && log != nil {
		log.Warn("notification delivery failed",
			zap.String("type", evt.Type),
			zap.String("subject", evt.Subject),
			zap.Error(err),
		)
	}
}
