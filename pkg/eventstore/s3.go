package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Arpeggio-Labs/chorus/pkg/event"
)

// S3Config holds configuration for the durable object tier.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	AccessKey string
	SecretKey string
}

// S3Store implements ObjectBackend using AWS S3 or any S3-compatible
// service. Bodies are stored under hash-partitioned keys with a sidecar
// mapping per event so the hash-to-CID mapping survives cache loss.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates the object tier client.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
	}, nil
}

func (s *S3Store) Name() string { return "s3" }

// eventObjectKey partitions bodies by the first hash byte to keep listing
// and replication balanced.
func eventObjectKey(hash string) string {
	return fmt.Sprintf("events/%s/%s.json", hash[:2], hash)
}

func sidecarObjectKey(hash string) string {
	return fmt.Sprintf("mappings/%s/%s.json", hash[:2], hash)
}

func (s *S3Store) PutEvent(ctx context.Context, hash string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(eventObjectKey(hash)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"event-hash": hash,
			"stored-at":  event.NowStamp(),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

func (s *S3Store) GetEvent(ctx context.Context, hash string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(eventObjectKey(hash)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: s3 %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("s3 get failed for %s: %w", hash, err)
	}
	defer func() { _ = result.Body.Close() }()

	return io.ReadAll(result.Body)
}

func (s *S3Store) PutSidecar(ctx context.Context, hash string, sc Sidecar) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("sidecar marshal: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(sidecarObjectKey(hash)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"event-hash": hash,
			"stored-at":  sc.StoredAt,
		},
	})
	if err != nil {
		return fmt.Errorf("s3 sidecar put failed: %w", err)
	}
	return nil
}

func (s *S3Store) GetSidecar(ctx context.Context, hash string) (Sidecar, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sidecarObjectKey(hash)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return Sidecar{}, fmt.Errorf("%w: s3 sidecar %s", ErrNotFound, hash)
		}
		return Sidecar{}, fmt.Errorf("s3 sidecar get failed for %s: %w", hash, err)
	}
	defer func() { _ = result.Body.Close() }()

	var sc Sidecar
	if err := json.NewDecoder(result.Body).Decode(&sc); err != nil {
		return Sidecar{}, fmt.Errorf("sidecar decode: %w", err)
	}
	return sc, nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 head bucket: %w", err)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
