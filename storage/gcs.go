package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const gcsPrefix = "subscribers/"

// GCS stores one JSON object per subscriber in a Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	logger *slog.Logger
	bucket string
}

// NewGCS creates a Cloud Storage backend. With empty credentialsJSON it uses
// Application Default Credentials (the Cloud Run service account).
func NewGCS(ctx context.Context, bucket, credentialsJSON string, logger *slog.Logger) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("STORAGE_BUCKET is required for gcs storage")
	}
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, logger: logger}, nil
}

// Name implements Backend.
func (*GCS) Name() string { return "gcs" }

// Ping checks the bucket exists and is readable.
func (g *GCS) Ping(ctx context.Context) error {
	if _, err := g.client.Bucket(g.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("bucket attrs: %w", err)
	}
	return nil
}

func (g *GCS) object(id string) *gcs.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(gcsPrefix + SubscriberKey(id))
}

// Upsert writes the subscriber object with retry.
func (g *GCS) Upsert(ctx context.Context, id string) error {
	data, err := marshalSubscriber(id)
	if err != nil {
		return err
	}

	err = g.withRetry(ctx, "save", id, func() error {
		w := g.object(id).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, writeErr := w.Write(data); writeErr != nil {
			if closeErr := w.Close(); closeErr != nil {
				g.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", writeErr)
		}
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("close storage writer: %w", closeErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	g.logger.Debug("Subscriber saved", "bucket", g.bucket, "chat_id", id)
	return nil
}

// Delete removes the subscriber object. Deletion is idempotent.
func (g *GCS) Delete(ctx context.Context, id string) error {
	err := g.withRetry(ctx, "delete", id, func() error {
		if deleteErr := g.object(id).Delete(ctx); deleteErr != nil {
			if errors.Is(deleteErr, gcs.ErrObjectNotExist) {
				return nil
			}
			return fmt.Errorf("delete from storage: %w", deleteErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	g.logger.Debug("Subscriber deleted", "bucket", g.bucket, "chat_id", id)
	return nil
}

// ListAll lists subscriber objects. IDs are decoded from object names, so no object is read.
func (g *GCS) ListAll(ctx context.Context) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &gcs.Query{
		Prefix: gcsPrefix + keyPrefix,
	})

	var ids []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		id, ok := idFromKey(path.Base(attrs.Name))
		if !ok {
			g.logger.Warn("Skipping unexpected object", "key", attrs.Name)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close closes the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) withRetry(ctx context.Context, op, id string, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "chat_id", id, "error", err)
		}),
	)
}
