package document

import (
	"github.com/smallbiznis/autocompta/internal/document/repository"
	"github.com/smallbiznis/autocompta/internal/document/service"
	"go.uber.org/fx"
)

var Module = fx.Module("document.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
