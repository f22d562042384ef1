package period

import (
	"github.com/smallbiznis/autocompta/internal/period/repository"
	"github.com/smallbiznis/autocompta/internal/period/service"
	"go.uber.org/fx"
)

var Module = fx.Module("period.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(service.NewGuard),
)
