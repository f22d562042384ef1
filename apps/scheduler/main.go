package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/audit"
	"github.com/smallbiznis/autocompta/internal/authorization"
	"github.com/smallbiznis/autocompta/internal/banksync"
	"github.com/smallbiznis/autocompta/internal/blobstore"
	"github.com/smallbiznis/autocompta/internal/chart"
	"github.com/smallbiznis/autocompta/internal/classification"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/config"
	"github.com/smallbiznis/autocompta/internal/document"
	"github.com/smallbiznis/autocompta/internal/extraction"
	"github.com/smallbiznis/autocompta/internal/journal"
	"github.com/smallbiznis/autocompta/internal/notify"
	"github.com/smallbiznis/autocompta/internal/observability"
	"github.com/smallbiznis/autocompta/internal/period"
	"github.com/smallbiznis/autocompta/internal/pipeline"
	"github.com/smallbiznis/autocompta/internal/reconciliation"
	"github.com/smallbiznis/autocompta/internal/scheduler"
	"github.com/smallbiznis/autocompta/internal/validation"
	"github.com/smallbiznis/autocompta/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		blobstore.Module,
		chart.Module,
		notify.Module,

		// Domain services required by scheduler
		authorization.Module,
		audit.Module,
		document.Module,
		extraction.Module,
		classification.Module,
		validation.Module,
		journal.Module,
		banksync.Module,
		reconciliation.Module,
		period.Module,
		pipeline.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
