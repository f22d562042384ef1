package pipeline

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/authctx"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Docs       docdomain.Repository
	DocSvc     docdomain.Service
	Dispatcher *Dispatcher
}

// Service exposes the operator actions on the pipeline.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	docs       docdomain.Repository
	docSvc     docdomain.Service
	dispatcher *Dispatcher
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("pipeline.service"),
		docs:       p.Docs,
		docSvc:     p.DocSvc,
		dispatcher: p.Dispatcher,
	}
}

// Reprocess runs a document through the pipeline again. A failed document is
// resubmitted as a new member of its lineage; a document still in a pipeline
// status is dispatched again as is.
func (s *Service) Reprocess(ctx context.Context, actor authctx.Actor, id snowflake.ID) (*docdomain.Document, error) {
	if err := actor.Require(authctx.CapDocumentSubmit); err != nil {
		return nil, err
	}
	doc, err := s.docs.FindByID(ctx, s.db, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	switch {
	case doc.Status == docdomain.StatusError:
		return s.docSvc.Resubmit(ctx, actor, id)
	case doc.Status.InFlight() && doc.Status != docdomain.StatusValidated:
		s.log.Info("document re-dispatched",
			zap.String("document_id", doc.ID.String()),
			zap.String("status", string(doc.Status)),
			zap.String("actor", actor.Ref()),
		)
		s.dispatcher.Dispatch(doc.TenantID, doc.ID)
		return doc, nil
	default:
		return nil, docdomain.ErrNotResubmittable
	}
}
