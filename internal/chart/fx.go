package chart

import (
	"github.com/smallbiznis/autocompta/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("chart",
	fx.Provide(func(cfg config.Config) (*Chart, error) {
		return Load(cfg.ChartPath)
	}),
)
