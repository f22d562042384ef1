package banksync

import (
	"github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/internal/banksync/lock"
	"github.com/smallbiznis/autocompta/internal/banksync/providers"
	"github.com/smallbiznis/autocompta/internal/banksync/providers/aggregator"
	"github.com/smallbiznis/autocompta/internal/banksync/providers/sandbox"
	"github.com/smallbiznis/autocompta/internal/banksync/repository"
	"github.com/smallbiznis/autocompta/internal/banksync/service"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("banksync.service",
	fx.Provide(newRegistry),
	fx.Provide(lock.Provide),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)

// newRegistry always serves the sandbox; the aggregator joins once its
// credentials are configured.
func newRegistry(cfg config.Config, clk clock.Clock, log *zap.Logger) *providers.Registry {
	factories := []domain.ProviderFactory{sandbox.NewFactory(cfg.Bank.SandboxFixture, clk)}
	if cfg.Bank.AggregatorBaseURL != "" && cfg.Bank.AggregatorAPIKey != "" {
		factories = append(factories, aggregator.NewFactory(aggregator.Config{
			BaseURL: cfg.Bank.AggregatorBaseURL,
			APIKey:  cfg.Bank.AggregatorAPIKey,
		}))
	} else {
		log.Info("bank aggregator disabled", zap.String("reason", "missing base url or api key"))
	}
	registry := providers.NewRegistry(factories...)
	log.Info("bank providers registered", zap.Strings("providers", registry.Names()))
	return registry
}
