package notify

import (
	"context"

	"cloud.google.com/go/pubsub"
	"github.com/smallbiznis/autocompta/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notify",
	fx.Provide(NewPublisher),
)

// NewPublisher returns a Pub/Sub publisher when a topic is configured, otherwise a log publisher.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Publisher, error) {
	if cfg.Notify.PubSubTopic == "" || cfg.GCP.ProjectID == "" {
		return NewLogPublisher(log), nil
	}

	client, err := pubsub.NewClient(context.Background(), cfg.GCP.ProjectID)
	if err != nil {
		return nil, err
	}
	publisher := NewPubSubPublisher(client, cfg.Notify.PubSubTopic, cfg.Notify.Source, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			publisher.Stop()
			return client.Close()
		},
	})
	return publisher, nil
}
