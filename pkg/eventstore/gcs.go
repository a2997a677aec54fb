package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/Arpeggio-Labs/chorus/pkg/event"
)

// GCSConfig holds configuration for the Google Cloud Storage object tier.
type GCSConfig struct {
	Bucket string
}

// GCSStore implements ObjectBackend on Google Cloud Storage, selectable as
// an alternative durable tier. Key layout matches the S3 backend so the two
// are interchangeable per deployment.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// NewGCSStore creates the object tier client. Credentials are resolved from
// the environment (application default credentials).
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
	}, nil
}

func (g *GCSStore) Name() string { return "gcs" }

func (g *GCSStore) PutEvent(ctx context.Context, hash string, data []byte) error {
	w := g.bucket.Object(eventObjectKey(hash)).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{
		"event-hash": hash,
		"stored-at":  event.NowStamp(),
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs write close failed: %w", err)
	}
	return nil
}

func (g *GCSStore) GetEvent(ctx context.Context, hash string) ([]byte, error) {
	r, err := g.bucket.Object(eventObjectKey(hash)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gcs %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()

	return io.ReadAll(r)
}

func (g *GCSStore) PutSidecar(ctx context.Context, hash string, sc Sidecar) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("sidecar marshal: %w", err)
	}
	w := g.bucket.Object(sidecarObjectKey(hash)).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{
		"event-hash": hash,
		"stored-at":  sc.StoredAt,
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs sidecar write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs sidecar close failed: %w", err)
	}
	return nil
}

func (g *GCSStore) GetSidecar(ctx context.Context, hash string) (Sidecar, error) {
	r, err := g.bucket.Object(sidecarObjectKey(hash)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return Sidecar{}, fmt.Errorf("%w: gcs sidecar %s", ErrNotFound, hash)
		}
		return Sidecar{}, fmt.Errorf("gcs sidecar get failed for %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()

	var sc Sidecar
	if err := json.NewDecoder(r).Decode(&sc); err != nil {
		return Sidecar{}, fmt.Errorf("sidecar decode: %w", err)
	}
	return sc, nil
}

func (g *GCSStore) Ping(ctx context.Context) error {
	if _, err := g.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket attrs: %w", err)
	}
	return nil
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}
