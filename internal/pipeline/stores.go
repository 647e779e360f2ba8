package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/metrics"
	"github.com/medallion/medallion/internal/storage"
)

// Stores are the retrying storage backends of a run.
type Stores struct {
	Objects   storage.ObjectStore
	Documents storage.DocumentStore

	closers []func(context.Context) error
}

// OpenStores connects the configured backends and wraps each in a retrier.
// rec may be nil.
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger, rec *metrics.Recorder) (*Stores, error) {
	s := &Stores{}
	objectRetrier := newRetrier("object_store", cfg, logger, rec)
	documentRetrier := newRetrier("document_store", cfg, logger, rec)

	var objects storage.ObjectStore
	switch cfg.ObjectStore.Type {
	case "s3":
		s3, err := storage.NewS3Store(ctx, cfg.ObjectStore)
		if err != nil {
			return nil, err
		}
		objects = s3
	case "filesystem":
		fs, err := storage.NewFilesystemStore(cfg.ObjectStore.Root)
		if err != nil {
			return nil, err
		}
		objects = fs
	default:
		return nil, fmt.Errorf("unsupported object store type %q", cfg.ObjectStore.Type)
	}

	var documents storage.DocumentStore
	switch cfg.DocumentStore.Type {
	case "mongodb":
		mongo, err := storage.Open(ctx, documentRetrier, "mongodb", func(ctx context.Context) (*storage.MongoStore, error) {
			return storage.NewMongoStore(ctx, cfg.DocumentStore.ConnectionString, cfg.DocumentStore.Database)
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, mongo.Close)
		documents = mongo
	case "memory":
		documents = storage.NewMemoryDocumentStore()
	default:
		return nil, fmt.Errorf("unsupported document store type %q", cfg.DocumentStore.Type)
	}

	s.Objects = &storage.RetryingObjectStore{Store: objects, Retrier: objectRetrier}
	s.Documents = &storage.RetryingDocumentStore{Store: documents, Retrier: documentRetrier}
	return s, nil
}

func newRetrier(name string, cfg *config.Config, logger *slog.Logger, rec *metrics.Recorder) *storage.Retrier {
	r := storage.NewRetrier(name, cfg.Retry, logger)
	if rec != nil {
		r.OnAttempt = rec.StorageAttempt
	}
	return r
}

// Close releases backend connections.
func (s *Stores) Close(ctx context.Context) error {
	var first error
	for _, c := range s.closers {
		if err := c(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
