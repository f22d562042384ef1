package journal

import (
	"github.com/smallbiznis/autocompta/internal/journal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("journal.service",
	fx.Provide(service.NewService),
	fx.Provide(service.ProvideEntryLocator),
)
