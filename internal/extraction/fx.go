package extraction

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("extraction",
	fx.Provide(NewStageWithEngines),
)

// NewStageWithEngines registers the text engine and, when a GCP project is
// configured, the Vertex engine for PDFs and images.
func NewStageWithEngines(lc fx.Lifecycle, cfg config.Config, automation *config.AutomationConfigHolder, genID *snowflake.Node, log *zap.Logger) (*Stage, error) {
	stage := NewStage(automation, genID, log)
	stage.Register(MimePlain, NewKeyValueEngine())

	if cfg.GCP.ProjectID == "" {
		log.Warn("GCP_PROJECT_ID not set, only text/plain documents can be extracted")
		return stage, nil
	}

	vertex, err := NewVertexEngine(context.Background(), cfg.GCP.ProjectID, cfg.GCP.VertexLocation, cfg.GCP.VertexModel)
	if err != nil {
		return nil, err
	}
	for _, mimeType := range []string{MimePDF, MimeJPEG, MimePNG, MimeTIFF, MimeWEBP} {
		stage.Register(mimeType, vertex)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return vertex.Close()
		},
	})
	return stage, nil
}
