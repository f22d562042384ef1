package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
)

type GCSStore struct {
	bucket *storage.BucketHandle
	log    *zap.Logger
}

func NewGCSStore(client *storage.Client, bucket string, log *zap.Logger) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket), log: log.Named("blobstore.gcs")}
}

// Put writes the object only if it does not exist yet.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	writer := s.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			s.log.Debug("blob already stored", zap.String("key", key))
			return nil
		}
		return fmt.Errorf("finalize blob %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
