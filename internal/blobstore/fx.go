package blobstore

import (
	"context"

	"cloud.google.com/go/storage"
	"github.com/smallbiznis/autocompta/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("blobstore",
	fx.Provide(NewStore),
)

// NewStore returns a GCS store when a bucket is configured, otherwise an in-memory one.
func NewStore(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Store, error) {
	if cfg.Storage.Bucket == "" {
		log.Warn("STORAGE_BUCKET not set, keeping document blobs in memory")
		return NewMemoryStore(), nil
	}

	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewGCSStore(client, cfg.Storage.Bucket, log), nil
}
