package pipeline

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("pipeline",
	fx.Provide(NewProcessor),
	fx.Provide(NewDispatcher),
	fx.Provide(ProvideDispatcher),
	fx.Provide(NewService),
	fx.Invoke(startDispatcher),
)

func startDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start(context.Background())
			return nil
		},
		OnStop: d.Stop,
	})
}
