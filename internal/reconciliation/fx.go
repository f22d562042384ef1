package reconciliation

import (
	"github.com/smallbiznis/autocompta/internal/reconciliation/repository"
	"github.com/smallbiznis/autocompta/internal/reconciliation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(service.NewRuleLookup),
)
