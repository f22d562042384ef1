package validation

import (
	"github.com/smallbiznis/autocompta/internal/validation/repository"
	"github.com/smallbiznis/autocompta/internal/validation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("validation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(service.NewRouter),
	fx.Provide(service.ProvideRouter),
)
