package postprocess

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver stores processed artifacts.
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte) error
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Logger    *slog.Logger
}

// MinIOArchiver writes artifacts to an S3-compatible bucket.
type MinIOArchiver struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

func NewMinIOArchiver(cfg MinIOConfig) (*MinIOArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MinIOArchiver{client: client, bucket: cfg.Bucket, logger: logger.With("component", "archive")}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (a *MinIOArchiver) EnsureBucket(ctx context.Context) error {
	ok, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if ok {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		// Another worker may have created it concurrently.
		if exists, _ := a.client.BucketExists(ctx, a.bucket); exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	a.logger.Info("bucket created", "bucket", a.bucket)
	return nil
}

// Archive uploads data under key, replacing any previous object.
func (a *MinIOArchiver) Archive(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	a.logger.Debug("artifact archived", "key", key, "bytes", len(data))
	return nil
}

// Ping checks that the bucket is reachable.
func (a *MinIOArchiver) Ping(ctx context.Context) error {
	ok, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", a.bucket)
	}
	return nil
}

// TranscriptKey is the object key of a meeting's archived transcript.
func TranscriptKey(meetingID string) string {
	return "meetings/" + meetingID + "/transcript.jsonl"
}
